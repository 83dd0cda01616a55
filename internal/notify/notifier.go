package notify

import (
	"context"
)

// Notifier delivers a rendered release notification to a recipient address.
// Implementations report failure instead of retrying; the scheduler owns
// retry policy.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, htmlBody string) error
}
