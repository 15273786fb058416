package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/repopulse/relay/internal/health"
	"github.com/repopulse/relay/internal/model"
)

type fakeStore struct {
	records   []model.UsageRecord
	health    []model.ModelHealth
	insertErr error
}

func (f *fakeStore) InsertUsageRecord(_ context.Context, rec model.UsageRecord) (uuid.UUID, error) {
	if f.insertErr != nil {
		return uuid.Nil, f.insertErr
	}
	rec.ID = uuid.New()
	f.records = append(f.records, rec)
	return rec.ID, nil
}

func (f *fakeStore) UpsertModelHealth(_ context.Context, h model.ModelHealth) error {
	f.health = append(f.health, h)
	return nil
}

func (f *fakeStore) MonthlySpend(_ context.Context, _ string) (float64, error) {
	var total float64
	for _, r := range f.records {
		total += r.CostUSD
	}
	return total, nil
}

func (f *fakeStore) DailyUsage(_ context.Context, _, _ time.Time) ([]model.DailyUsage, error) {
	return nil, nil
}

type fakeAggregator struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeAggregator) RecordMetrics(_ context.Context, variantID uuid.UUID, _ model.Outcome) error {
	f.calls = append(f.calls, variantID)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordOutcomePersistsAndUpdatesHealth(t *testing.T) {
	store := &fakeStore{}
	reg := health.NewRegistry()
	rec := New(store, reg, nil, testLogger())

	o := model.Outcome{
		UserID:       "user-1",
		SessionID:    "sess-1",
		ModelID:      "gpt-5-mini",
		TaskCategory: model.TaskSimple,
		InputTokens:  120,
		OutputTokens: 80,
		CostUSD:      0.004,
		Latency:      800 * time.Millisecond,
		Success:      true,
	}

	id, err := rec.RecordOutcome(context.Background(), o)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Len(t, store.records, 1)
	require.Equal(t, "gpt-5-mini", store.records[0].ModelID)

	snap := reg.Snapshot("gpt-5-mini")
	require.Equal(t, int64(1), snap.TotalRequests)
	require.Equal(t, int64(0), snap.FailedRequests)
}

func TestRecordOutcomeForwardsExperimentMetrics(t *testing.T) {
	store := &fakeStore{}
	agg := &fakeAggregator{}
	rec := New(store, health.NewRegistry(), agg, testLogger())

	variantID := uuid.New()
	completed := true
	o := model.Outcome{
		ModelID:   "gpt-5-mini",
		Success:   true,
		Latency:   time.Second,
		VariantID: &variantID,
		Completed: &completed,
	}

	_, err := rec.RecordOutcome(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{variantID}, agg.calls)
}

func TestRecordOutcomeAggregatorFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{}
	agg := &fakeAggregator{err: errors.New("boom")}
	rec := New(store, health.NewRegistry(), agg, testLogger())

	variantID := uuid.New()
	o := model.Outcome{ModelID: "m", Success: true, VariantID: &variantID}

	_, err := rec.RecordOutcome(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, store.records, 1)
}

func TestRecordOutcomeLedgerFailureIsFatal(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("connection refused")}
	rec := New(store, health.NewRegistry(), nil, testLogger())

	_, err := rec.RecordOutcome(context.Background(), model.Outcome{ModelID: "m"})
	require.Error(t, err)
}

func TestFlushHealthPersistsSnapshots(t *testing.T) {
	store := &fakeStore{}
	reg := health.NewRegistry()
	rec := New(store, reg, nil, testLogger())

	reg.Record("a", true, time.Second)
	reg.Record("b", false, 2*time.Second)

	require.NoError(t, rec.FlushHealth(context.Background()))
	require.Len(t, store.health, 2)
}
