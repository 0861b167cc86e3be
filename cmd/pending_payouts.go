package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/config"
	"github.com/psds-microservice/escrow-service/internal/database"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/kafka"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/store"
)

const pendingPageSize = 100

var pendingPayoutsCmd = &cobra.Command{
	Use:   "pending-payouts",
	Short: "Re-raise manual-intervention records for payouts that failed at least once",
	RunE:  runPendingPayouts,
}

func runPendingPayouts(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("pending-payouts: needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fee, err := cfg.Fee()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn("database close", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	producer := kafka.NewProducer(cfg.Brokers(), "", cfg.KafkaTopicAudit, log)
	defer producer.Close()
	sink := events.FanoutAudit{events.NewLog(log), producer}

	n, err := reportPendingPayouts(ctx, store.NewGormStore(db), sink, fee, time.Now().UTC())
	if err != nil {
		return err
	}
	log.Info("pending-payouts: done", zap.Int("reported", n), zap.Bool("kafka", len(cfg.Brokers()) > 0))
	return nil
}

// reportPendingPayouts records one manual-intervention audit per ticket waiting on a payout
// that has already been attempted.
func reportPendingPayouts(ctx context.Context, s store.TicketStore, sink events.AuditSink, fee money.Amount, at time.Time) (int, error) {
	reported := 0
	for offset := 0; ; offset += pendingPageSize {
		page, total, err := s.List(ctx, store.Filter{
			Stage:  model.StageAwaitingPayoutConfirmation,
			Limit:  pendingPageSize,
			Offset: offset,
		})
		if err != nil {
			return reported, fmt.Errorf("list tickets: %w", err)
		}
		for _, t := range page {
			if t.PayoutAttempts == 0 {
				continue
			}
			rec := events.NewAuditRecord(events.AuditManualIntervention, t, fee, at)
			if t.ItemValue != nil && t.FeePayer != nil {
				if _, net, err := money.ComputeSettlement(*t.ItemValue, fee, *t.FeePayer); err == nil {
					rec.Amount = net
				}
			}
			rec.Reason = "payout pending after failed attempt"
			sink.Record(ctx, rec)
			reported++
		}
		if len(page) < pendingPageSize || int64(offset+len(page)) >= total {
			return reported, nil
		}
	}
}
