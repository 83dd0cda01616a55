package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker wraps a Notifier with a circuit breaker so a misbehaving mail
// provider sheds load fast instead of tying up sweep workers on timeouts.
type Breaker struct {
	inner Notifier
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner. The breaker opens after five consecutive failures
// and probes again after a minute.
func NewBreaker(inner Notifier, log *zap.SugaredLogger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mailer",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("mailer breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) Notify(ctx context.Context, recipient, subject, htmlBody string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Notify(ctx, recipient, subject, htmlBody)
	})
	return err
}
