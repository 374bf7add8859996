package email

import (
	"buonacaccia-notifier/reminder"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/codeGROOVE-dev/retry"
)

func TestSenderUsesProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := NewMockProvider(logger)
	s := New(mock, logger, "", "scout@example.com")
	ctx := context.Background()

	if err := s.NotifyNewEvent(ctx, hike()); err != nil {
		t.Fatalf("NotifyNewEvent() error = %v", err)
	}
	if err := s.NotifyReminder(ctx, hike(), reminder.CloseMinus1); err != nil {
		t.Fatalf("NotifyReminder() error = %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(sent))
	}
	if sent[0].To != "scout@example.com" || !strings.HasPrefix(sent[0].Subject, "Nuovo evento BuonaCaccia: ") {
		t.Errorf("unexpected new event email: %+v", sent[0])
	}
	if sent[1].Subject != "Le iscrizioni chiudono domani: Autumn Hike <Piemonte>" {
		t.Errorf("reminder subject = %q", sent[1].Subject)
	}
}

func TestSenderWithoutRecipient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(NewMockProvider(logger), logger, "", "")
	if err := s.NotifyNewEvent(context.Background(), hike()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("NotifyNewEvent() error = %v, want ErrPermissionDenied", err)
	}
}

func TestBrevoProvider(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantHits   int32
		wantErr    bool
		wantDenied bool
	}{
		{name: "accepted", status: http.StatusCreated, wantHits: 1},
		{name: "unauthorized is permission denied", status: http.StatusUnauthorized, wantHits: 1, wantErr: true, wantDenied: true},
		{name: "forbidden is permission denied", status: http.StatusForbidden, wantHits: 1, wantErr: true, wantDenied: true},
		{name: "bad request is not retried", status: http.StatusBadRequest, wantHits: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				if r.Header.Get("api-key") != "key" {
					t.Errorf("api-key header = %q", r.Header.Get("api-key"))
				}
				var req brevoSendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if len(req.To) != 1 || req.To[0].Email != "scout@example.com" {
					t.Errorf("unexpected recipients: %+v", req.To)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			p := NewBrevoProvider("key", "noreply@example.com", "BuonaCaccia", logger)
			p.endpoint = srv.URL
			p.client = srv.Client()

			err := p.Send(context.Background(), "scout@example.com", "subject", "<p>body</p>")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrPermissionDenied) != tt.wantDenied {
				t.Errorf("errors.Is(err, ErrPermissionDenied) = %v, want %v", !tt.wantDenied, tt.wantDenied)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("server hit %d times, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestClassifyBrevoStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantNil   bool
		wantMsg   string
		wantRetry bool
	}{
		{name: "created", status: http.StatusCreated, wantNil: true},
		{name: "message surfaced", status: http.StatusBadRequest, body: `{"code":"invalid_parameter","message":"email is not valid"}`, wantMsg: "brevo HTTP 400: email is not valid"},
		{name: "throttled is retried", status: http.StatusTooManyRequests, wantMsg: "brevo HTTP 429", wantRetry: true},
		{name: "server error is retried", status: http.StatusBadGateway, body: "<html>", wantMsg: "brevo HTTP 502", wantRetry: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyBrevoStatus(tt.status, []byte(tt.body))
			if tt.wantNil {
				if err != nil {
					t.Fatalf("classifyBrevoStatus() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("classifyBrevoStatus() = %v, want %q", err, tt.wantMsg)
			}
			if retry.IsRecoverable(err) != tt.wantRetry {
				t.Errorf("IsRecoverable = %v, want %v", !tt.wantRetry, tt.wantRetry)
			}
		})
	}
}
