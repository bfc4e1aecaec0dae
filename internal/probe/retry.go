package probe

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often an operation is attempted and how long to
// wait between attempts.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// DefaultIdentityRetry matches the token flow: three attempts, 500ms apart.
var DefaultIdentityRetry = RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}

// Stop wraps err so that Do returns it without further attempts.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it returns nil, returns a Stop error, the attempts are
// exhausted or ctx is done. It reports how many attempts were made and the
// last error.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Backoff)
	b = backoff.WithMaxRetries(b, uint64(max-1))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op(attempts)
	}, b)
	return attempts, err
}
