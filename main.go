// Package main implements a service that watches the BuonaCaccia event catalog
// and sends email notifications for new events and registration windows.
package main

import (
	"buonacaccia-notifier/cache"
	"buonacaccia-notifier/config"
	"buonacaccia-notifier/email"
	"buonacaccia-notifier/poll"
	"buonacaccia-notifier/schedule"
	"buonacaccia-notifier/scraper"
	"buonacaccia-notifier/server"
	"buonacaccia-notifier/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const mockRecipient = "dev@localhost"

func main() {
	// Load .env if present; real environment variables win
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, errs := config.Load(os.Getenv("CONFIG_FILE"))
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("Invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var storageClient *gcs.Client
	if cfg.StorageBucket != "" && cfg.LocalStorage == "" {
		var err error
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
	} else {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
	}
	store := storage.New(storageClient, cfg.StorageBucket, cfg.LocalStorage, logger)

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	recipient := cfg.Recipient
	if recipient == "" && cfg.EmailProvider == config.ProviderMock {
		recipient = mockRecipient
	}
	sender := email.New(provider, logger, cfg.BaseURL, recipient)

	events := cache.New(store, logger)
	cached := events.Load(ctx)
	logger.Info("Event cache loaded", "count", cached)

	listingURL, err := scraper.ListingURL(cfg.ListingURL)
	if err != nil {
		return err
	}
	sc := scraper.New(&http.Client{Timeout: 30 * time.Second}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := poll.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metrics.SetCachedEvents(cached)

	monitor := poll.New(poll.Config{
		Location:       cfg.Location,
		ListingURL:     listingURL,
		RunTimeout:     cfg.RunTimeout,
		DetailTimeout:  cfg.DetailTimeout,
		ReminderCutoff: cfg.ReminderCutoff,
		DetailWorkers:  cfg.DetailWorkers,
	}, sc, store, events, sender, metrics, logger)

	sched := schedule.New(monitor, cfg.Location, logger)
	if err := sched.Every(schedule.ClassPeriodic, cfg.Schedule); err != nil {
		return err
	}
	sched.Start()
	sched.Bootstrap(cached == 0)
	logger.Info("Scheduler started", "schedule", cfg.Schedule, "timezone", cfg.Timezone,
		"next_run", sched.Next(schedule.ClassPeriodic).Format(time.RFC3339))

	srv := server.New(&server.Config{
		Events:   events,
		Store:    store,
		Editor:   monitor,
		Runner:   sched,
		Reports:  monitor,
		Gatherer: reg,
		Logger:   logger,
		Location: cfg.Location,
	})
	serveErr := srv.ListenAndServe(ctx, strconv.Itoa(cfg.Port))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", "error", err)
	}
	return serveErr
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.ProviderBrevo:
		logger.Info("Sending email through Brevo", "from", cfg.FromAddress)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddress, cfg.FromName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Info("Sending email through the Gmail API")
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
