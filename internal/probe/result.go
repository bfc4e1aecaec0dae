package probe

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// FailureKind classifies why a probe invocation failed.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTransport  FailureKind = "transport"
	FailureProtocol   FailureKind = "protocol"
	FailureValidation FailureKind = "validation"
)

// Check is a named secondary criterion evaluated during an invocation.
// Checks never change Result.Success.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Result is the outcome of one probe invocation. It is created once and
// never mutated after Invoke returns.
type Result struct {
	Service    Kind          `json:"service"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	HTTPStatus int           `json:"http_status"`
	Timestamp  time.Time     `json:"timestamp"`
	Failure    FailureKind   `json:"failure,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Bytes      int64         `json:"bytes"`
	Attempts   int           `json:"attempts"`
	Checks     []Check       `json:"checks,omitempty"`
}

func (r Result) LatencyMs() float64 {
	return float64(r.Latency) / float64(time.Millisecond)
}

// Probe performs one representative request sequence against a backend.
// Implementations must not panic and must report every error through the
// returned Result.
type Probe interface {
	Kind() Kind
	Invoke(ctx context.Context, rng *rand.Rand) Result
}

var (
	errEmptySecret = errors.New("secret payload has no data.data keys")
	errNoToken     = errors.New("token response has no access_token")
)

// maxDetail bounds response bodies kept for diagnostics.
const maxDetail = 500

func truncate(b []byte) string {
	if len(b) > maxDetail {
		b = b[:maxDetail]
	}
	return string(b)
}

// classifyErr maps a transport error to a failure detail. Deadline errors
// are normalized so they group together in reports.
func classifyErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "client timeout"
	}
	return err.Error()
}

// tracker accumulates the pieces of a Result while a probe runs.
type tracker struct {
	res   Result
	start time.Time
}

func begin(k Kind) *tracker {
	return &tracker{res: Result{Service: k}, start: time.Now()}
}

func (t *tracker) fail(kind FailureKind, status int, detail string) Result {
	t.res.Success = false
	t.res.Failure = kind
	t.res.HTTPStatus = status
	t.res.Detail = detail
	return t.finish()
}

func (t *tracker) ok(status int) Result {
	t.res.Success = true
	t.res.HTTPStatus = status
	return t.finish()
}

func (t *tracker) check(name string, passed bool) {
	t.res.Checks = append(t.res.Checks, Check{Name: name, Passed: passed})
}

func (t *tracker) finish() Result {
	end := time.Now()
	t.res.Latency = end.Sub(t.start)
	t.res.Timestamp = end
	if t.res.Attempts == 0 {
		t.res.Attempts = 1
	}
	return t.res
}
