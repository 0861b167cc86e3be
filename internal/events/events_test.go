package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

func TestNewAuditRecord(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tk := &model.Ticket{
		TicketID:        "t1",
		BuyerID:         model.Ptr("a"),
		SellerID:        model.Ptr("b"),
		ItemValue:       model.Ptr(money.Amount(5000)),
		FeePayer:        model.Ptr(money.PayerSeller),
		SellerPayoutKey: model.Ptr("b@pix"),
		PayoutAttempts:  2,
	}

	r := NewAuditRecord(AuditCompleted, tk, 500, at)
	assert.Equal(t, AuditRecord{
		Kind:      AuditCompleted,
		TicketID:  "t1",
		BuyerID:   "a",
		SellerID:  "b",
		ItemValue: 5000,
		Fee:       500,
		FeePayer:  money.PayerSeller,
		PayoutKey: "b@pix",
		Attempt:   2,
		At:        at,
	}, r)
}

func TestNewAuditRecord_Sparse(t *testing.T) {
	r := NewAuditRecord(AuditCancelled, &model.Ticket{TicketID: "t2"}, 500, time.Time{})
	assert.Equal(t, "t2", r.TicketID)
	assert.Empty(t, r.BuyerID)
	assert.Zero(t, r.ItemValue)
}

func TestFanout(t *testing.T) {
	var a, b Recorder
	Fanout{&a, &b}.Notify(context.Background(), Event{Kind: KindStageChanged, TicketID: "t1"})
	FanoutAudit{&a, &b}.Record(context.Background(), AuditRecord{Kind: AuditCompleted})

	assert.Equal(t, []Kind{KindStageChanged}, a.Kinds())
	assert.Equal(t, []Kind{KindStageChanged}, b.Kinds())
	assert.Len(t, a.Audits(), 1)
	assert.Len(t, b.Audits(), 1)
}

func TestAsync(t *testing.T) {
	var rec Recorder
	async := NewAsync(&rec, &rec, time.Second, nil)
	t.Cleanup(func() { _ = async.Close(context.Background()) })

	async.Notify(context.Background(), Event{Kind: KindChargeCreated})
	async.Record(context.Background(), AuditRecord{Kind: AuditManualIntervention})

	assert.Eventually(t, func() bool {
		return len(rec.Events()) == 1 && len(rec.Audits()) == 1
	}, time.Second, 5*time.Millisecond)
}

// slowFirst stalls on its first delivery only.
type slowFirst struct {
	Recorder
	once sync.Once
}

func (s *slowFirst) Notify(ctx context.Context, e Event) {
	s.once.Do(func() { time.Sleep(50 * time.Millisecond) })
	s.Recorder.Notify(ctx, e)
}

func TestAsync_PreservesOrder(t *testing.T) {
	sink := &slowFirst{}
	async := NewAsync(sink, nil, time.Second, nil)

	async.Notify(context.Background(), Event{Kind: KindConfirmed})
	async.Notify(context.Background(), Event{Kind: KindStageChanged})
	async.Notify(context.Background(), Event{Kind: KindChargeCreated})

	require.NoError(t, async.Close(context.Background()))
	assert.Equal(t, []Kind{KindConfirmed, KindStageChanged, KindChargeCreated}, sink.Kinds())
}

func TestAsync_CloseDrainsAndRejectsLateDeliveries(t *testing.T) {
	var rec Recorder
	async := NewAsync(nil, &rec, time.Second, nil)
	for i := 0; i < 10; i++ {
		async.Record(context.Background(), AuditRecord{Kind: AuditCompleted, Attempt: i})
	}
	require.NoError(t, async.Close(context.Background()))
	require.Len(t, rec.Audits(), 10)
	for i, r := range rec.Audits() {
		assert.Equal(t, i, r.Attempt)
	}

	assert.NotPanics(t, func() {
		async.Record(context.Background(), AuditRecord{Kind: AuditCompleted})
	})
	assert.Len(t, rec.Audits(), 10)
	require.NoError(t, async.Close(context.Background()))
}

func TestAsync_CloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	async := NewAsync(blockingNotifier(release), nil, time.Second, nil)
	async.Notify(context.Background(), Event{Kind: KindConfirmed})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, async.Close(ctx), context.DeadlineExceeded)
}

type blockingNotifier chan struct{}

func (b blockingNotifier) Notify(context.Context, Event) { <-b }

func TestAsync_NilSinks(t *testing.T) {
	async := NewAsync(nil, nil, 0, nil)
	assert.NotPanics(t, func() {
		async.Notify(context.Background(), Event{})
		async.Record(context.Background(), AuditRecord{})
	})
	require.NoError(t, async.Close(context.Background()))
}

func TestLog_ManualInterventionIsError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLog(zap.New(core))

	l.Record(context.Background(), AuditRecord{Kind: AuditCompleted, TicketID: "t1", Amount: 9500})
	l.Record(context.Background(), AuditRecord{
		Kind: AuditManualIntervention, TicketID: "t1", Error: "timeout", Ambiguous: true,
	})
	l.Notify(context.Background(), Event{Kind: KindStageChanged, TicketID: "t1"})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "95.00", entries[0].ContextMap()["amount"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, true, entries[1].ContextMap()["ambiguous"])
	assert.Equal(t, "event", entries[2].Message)
}
