package awssig

import (
	"bytes"
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/serverlessresearch/mck/pkg/rest"
)

// SkewClock is a clock that can be shifted towards a server's notion of
// time. Signers given a SkewClock stamp requests with the corrected time.
type SkewClock struct {
	clockwork.Clock
	offset int64
}

func NewSkewClock(base clockwork.Clock) *SkewClock {
	if base == nil {
		base = clockwork.NewRealClock()
	}
	return &SkewClock{Clock: base}
}

func (c *SkewClock) Now() time.Time {
	return c.Clock.Now().Add(c.Offset())
}

func (c *SkewClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *SkewClock) Offset() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.offset))
}

// Adjust sets the offset so that Now matches serverTime.
func (c *SkewClock) Adjust(serverTime time.Time) {
	atomic.StoreInt64(&c.offset, int64(serverTime.Sub(c.Clock.Now())))
}

var skewCodes = [][]byte{
	[]byte("RequestTimeTooSkewed"),
	[]byte("RequestExpired"),
}

// SkewRetry retries once when the service rejects a request because our
// clock is off, shifting Clock to the server's Date header first.
type SkewRetry struct {
	Clock *SkewClock
}

func (r *SkewRetry) Name() string { return "clock-skew" }

func (r *SkewRetry) ShouldRetry(ctx context.Context, call *rest.Call, resp *rest.Response, err error) bool {
	if resp == nil || call.Retries() > 0 {
		return false
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusBadRequest {
		return false
	}
	skewed := false
	for _, code := range skewCodes {
		if bytes.Contains(resp.Body, code) {
			skewed = true
			break
		}
	}
	if !skewed {
		return false
	}
	serverTime, perr := http.ParseTime(resp.Header.Get("Date"))
	if perr != nil {
		return false
	}
	r.Clock.Adjust(serverTime)
	return true
}
