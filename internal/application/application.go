package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/escrow-service/internal/action"
	"github.com/psds-microservice/escrow-service/internal/callback"
	"github.com/psds-microservice/escrow-service/internal/cleanup"
	"github.com/psds-microservice/escrow-service/internal/config"
	"github.com/psds-microservice/escrow-service/internal/database"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/handler"
	"github.com/psds-microservice/escrow-service/internal/kafka"
	"github.com/psds-microservice/escrow-service/internal/machine"
	"github.com/psds-microservice/escrow-service/internal/payment"
	"github.com/psds-microservice/escrow-service/internal/router"
	"github.com/psds-microservice/escrow-service/internal/store"
	"github.com/psds-microservice/escrow-service/internal/telemetry"
)

const serviceName = "escrow-service"

// API is the escrow HTTP service (api mode).
type API struct {
	cfg     *config.Config
	log     *zap.Logger
	httpSrv *http.Server
	closers []func(ctx context.Context) error
}

// NewAPI wires the service from cfg. On error everything opened so far is closed.
func NewAPI(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *API, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &API{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	ticketStore, ready, err := a.openStore()
	if err != nil {
		return nil, err
	}

	fee, err := cfg.Fee()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	provider := payment.NewPagBank(cfg.ProviderBaseURL(), cfg.PagBank.Token, cfg.WebhookURL, log)
	payments := payment.NewOrchestrator(provider, payment.Config{
		Fee:                 fee,
		ChargeExpiry:        cfg.ChargeExpiry,
		Timeout:             cfg.ProviderTimeout,
		CustomerEmailDomain: cfg.PagBank.CustomerEmailDomain,
		CustomerTaxID:       cfg.PagBank.CustomerTaxID,
	}, log)

	producer := kafka.NewProducer(cfg.Brokers(), cfg.KafkaTopicEvents, cfg.KafkaTopicAudit, log)
	a.closers = append(a.closers, func(context.Context) error { return producer.Close() })
	// One worker for events and audit keeps their relative order on the wire.
	// Registered after the producer so it drains before the producer closes.
	async := events.NewAsync(events.Fanout{producer, callback.NewClient(cfg.CallbackURL, log)}, producer, 5*time.Second, log)
	a.closers = append(a.closers, async.Close)
	notifier := events.Fanout{events.NewLog(log), async}
	audit := events.FanoutAudit{events.NewLog(log), async}

	scheduler := cleanup.New(func(ticketID string) {
		notifier.Notify(context.Background(), events.Event{
			Kind:     events.KindCleanupDue,
			TicketID: ticketID,
			At:       time.Now().UTC(),
		})
	}, log)
	a.closers = append(a.closers, func(context.Context) error { scheduler.Stop(); return nil })

	m := machine.New(machine.Deps{
		Store:    ticketStore,
		Payments: payments,
		Notifier: notifier,
		Audit:    audit,
		Cleanup:  scheduler,
		Log:      log,
	}, machine.Config{
		Fee:             fee,
		ProviderTimeout: cfg.ProviderTimeout,
		CleanupDelay:    cfg.CleanupDelay,
	})

	a.httpSrv = &http.Server{
		Addr: cfg.Addr(),
		Handler: router.New(router.Handlers{
			Tickets: handler.NewTicketHandler(m, action.NewRouter(m, log), log),
			Webhook: handler.NewWebhookHandler(m, handler.WebhookAuth{Token: cfg.PagBank.Token, Secret: cfg.WebhookSecret}, log),
			Ready:   ready,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Payment operations wait on the provider.
		WriteTimeout: 2*cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// openStore returns the ticket store and its readiness check.
func (a *API) openStore() (store.TicketStore, func(context.Context) error, error) {
	var (
		s     store.TicketStore
		ready func(context.Context) error
	)
	switch a.cfg.StoreDriver {
	case config.StoreDriverMemory:
		a.log.Warn("using in-memory ticket store; tickets are lost on restart")
		s = store.NewMemory()
	default:
		if err := database.MigrateUp(a.cfg.DatabaseURL(), a.log); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := database.Open(a.cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return database.Close(db) })
		s = store.NewGormStore(db)
		ready = pingDB(db)
	}
	if a.cfg.RedisAddr == "" {
		return s, ready, nil
	}
	client := goredislib.NewClient(&goredislib.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.log.Info("ticket updates serialized through redis", zap.String("addr", a.cfg.RedisAddr))
	return store.NewLocked(s, store.NewRedisLocker(client), a.log), ready, nil
}

func pingDB(db *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// Run serves HTTP until ctx is cancelled.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("HTTP server listening",
		zap.String("addr", a.httpSrv.Addr),
		zap.String("swagger", base+"/swagger"),
		zap.String("health", base+"/health"),
		zap.String("api", base+"/api/v1/"))

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.close(context.Background())
		return fmt.Errorf("http: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return a.close(shutdownCtx)
}

// close runs closers in reverse order.
func (a *API) close(ctx context.Context) error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
