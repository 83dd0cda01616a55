package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capsulejournal/capsuled/internal/config"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// EmailNotifier sends transactional emails via the Brevo (Sendinblue) HTTP
// API v3.
type EmailNotifier struct {
	apiKey      string
	senderEmail string
	senderName  string
	client      *http.Client
	log         *zap.SugaredLogger
}

// NewEmailNotifier builds a Brevo-backed notifier with a bounded client
// timeout. Per-call deadlines still come from the caller's context.
func NewEmailNotifier(cfg config.MailerConfig, log *zap.SugaredLogger) *EmailNotifier {
	return &EmailNotifier{
		apiKey:      cfg.APIKey,
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
		client:      &http.Client{Timeout: 15 * time.Second},
		log:         log,
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, recipient, subject, htmlBody string) error {
	payload := map[string]any{
		"sender":      map[string]string{"name": e.senderName, "email": e.senderEmail},
		"to":          []map[string]string{{"email": recipient}},
		"subject":     subject,
		"htmlContent": htmlBody,
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, brevoEndpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Infow("email sent", "to", recipient, "subject", subject)
		return nil
	}
	e.log.Warnw("brevo send failed", "status", resp.StatusCode, "to", recipient)
	return fmt.Errorf("brevo send failed status=%d", resp.StatusCode)
}
