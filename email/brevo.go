package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends transactional email through the Brevo API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider sending as fromName <fromAddr>.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Tags    []string       `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoError is the body Brevo returns with a 4xx status.
type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send delivers one message, retrying throttling and server errors.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
		Tags:    []string{"buonacaccia"},
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	logger := b.logger.With("provider", "brevo", "to", to)
	return retry.Do(
		func() error {
			start := time.Now()
			status, body, err := b.post(ctx, payload)
			if err != nil {
				logger.Warn("Brevo request failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
				return err
			}
			if err := classifyBrevoStatus(status, body); err != nil {
				logger.Warn("Brevo rejected message", "status_code", status, "error", err)
				return err
			}
			logger.Info("Email sent", "subject", subject, "duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "attempt", n, "error", err)
		}),
	)
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read brevo response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// classifyBrevoStatus maps a response to nil, a retryable error or an unrecoverable one.
// 401 and 403 mean the account may not send and wrap ErrPermissionDenied.
func classifyBrevoStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf("brevo HTTP %d", status)
	var be brevoError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		msg += ": " + be.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrPermissionDenied, msg))
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s", msg)
	default:
		return retry.Unrecoverable(fmt.Errorf("%s", msg))
	}
}
