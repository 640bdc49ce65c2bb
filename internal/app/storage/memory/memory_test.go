package memory

import (
	"context"
	"testing"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func TestUpsertRecordsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	scope := feed.Scope{Source: "binance", Subject: "BTCUSDT", Kind: "trade", Granularity: "1s"}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := feed.Record{Scope: scope, TsEvent: ts, Payload: map[string]interface{}{"close": 100.0}}
	if err := s.UpsertRecords(ctx, []feed.Record{rec}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Replay with a different payload; the original must be kept.
	replay := feed.Record{Scope: scope, TsEvent: ts, Payload: map[string]interface{}{"close": 999.0}}
	if err := s.UpsertRecords(ctx, []feed.Record{replay}); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	out, err := s.ListRecords(ctx, scope, ts.Add(-time.Minute), ts.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one record after replay, got %d", len(out))
	}
	if out[0].Payload["close"] != 100.0 {
		t.Fatalf("replay must not overwrite existing record, got %v", out[0].Payload["close"])
	}
}

func TestWatermarkDefaultsToZeroTime(t *testing.T) {
	ctx := context.Background()
	s := New()
	scope := feed.Scope{Source: "binance", Subject: "ETHUSDT", Kind: "trade", Granularity: "1s"}

	w, err := s.Watermark(ctx, scope)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !w.IsZero() {
		t.Fatalf("expected zero watermark for unseen scope, got %v", w)
	}
}

func TestCreatePredictionUpsertsOnNotExists(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := predict.Prediction{ModelID: "m1", InputID: "in1", Status: predict.PredictionPending}
	first, err := s.CreatePrediction(ctx, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreatePrediction(ctx, predict.Prediction{ModelID: "m1", InputID: "in1", Status: predict.PredictionPending})
	if err != nil {
		t.Fatalf("create (retry): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected retried create to return the same row, got %s vs %s", first.ID, second.ID)
	}
}

func TestCheckpointUpdateRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := New()

	chk, err := s.CreateCheckpoint(ctx, checkpoint.Checkpoint{Status: checkpoint.StatusPending})
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	chk.Status = checkpoint.StatusPaid
	if _, err := s.UpdateCheckpoint(ctx, chk); err != storage.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	chk.Status = checkpoint.StatusSubmitted
	if _, err := s.UpdateCheckpoint(ctx, chk); err != nil {
		t.Fatalf("expected legal transition to succeed, got %v", err)
	}
}
