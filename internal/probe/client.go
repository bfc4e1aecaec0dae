package probe

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Doer is the HTTP collaborator the probes depend on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOptions tunes the shared transport.
type ClientOptions struct {
	MaxConns           int
	InsecureSkipVerify bool
	NoConnectionReuse  bool
}

// NewHTTPClient builds the pooled client shared by every worker. Timeouts
// are applied per request by the probes, so the client itself has none.
func NewHTTPClient(opts ClientOptions) *http.Client {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2000
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = opts.MaxConns
	t.MaxConnsPerHost = opts.MaxConns
	t.MaxIdleConnsPerHost = opts.MaxConns
	t.DisableKeepAlives = opts.NoConnectionReuse
	if opts.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: t}
}

// failure carries the classification of a failed step up to Invoke.
type failure struct {
	kind   FailureKind
	status int
	detail string
}

func (f *failure) Error() string {
	if f.status != 0 {
		return fmt.Sprintf("%s failure (HTTP %d): %s", f.kind, f.status, f.detail)
	}
	return fmt.Sprintf("%s failure: %s", f.kind, f.detail)
}

func transportFailure(err error) *failure {
	return &failure{kind: FailureTransport, detail: classifyErr(err)}
}

func protocolFailure(status int, body []byte) *failure {
	return &failure{kind: FailureProtocol, status: status, detail: truncate(body)}
}

func validationFailure(status int, format string, args ...any) *failure {
	return &failure{kind: FailureValidation, status: status, detail: fmt.Sprintf(format, args...)}
}

// response is the part of an HTTP exchange the probes inspect.
type response struct {
	status int
	header http.Header
	body   []byte
	n      int64
}

// exchange sends req with its own timeout. When keepBody is false the body
// is drained and only its length is kept, which is how blob downloads are
// measured without buffering them.
func exchange(ctx context.Context, c Doer, timeout time.Duration, req *http.Request, keepBody bool) (*response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &response{status: resp.StatusCode, header: resp.Header}
	if keepBody || resp.StatusCode >= 300 {
		out.body, err = io.ReadAll(resp.Body)
		out.n = int64(len(out.body))
	} else {
		out.n, err = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
