package feed

import (
	"context"
	"testing"
	"time"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

type fakeAdapter struct {
	records []domainfeed.Record
	pages   []Page
	fetchErr error
}

func (f *fakeAdapter) FetchSince(_ context.Context, scope domainfeed.Scope, watermark time.Time) ([]domainfeed.Record, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []domainfeed.Record
	for _, r := range f.records {
		if r.TsEvent.After(watermark) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAdapter) FetchPage(_ context.Context, _ domainfeed.Scope, _, _ time.Time, cursor *time.Time) (Page, error) {
	idx := 0
	if cursor != nil {
		for i, p := range f.pages {
			if len(p.Records) > 0 && p.Records[0].TsEvent.Equal(*cursor) {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(f.pages) {
		return Page{HasMore: false}, nil
	}
	return f.pages[idx], nil
}

func scope() domainfeed.Scope {
	return domainfeed.Scope{Source: "test", Subject: "BTC-USD", Kind: "price", Granularity: "1m"}
}

func TestPollOnceAdvancesWatermarkAndUpsertsRecords(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	adapter := &fakeAdapter{records: []domainfeed.Record{
		{Scope: scope(), TsEvent: now.Add(-2 * time.Minute), Payload: map[string]interface{}{"close": 1.0}},
		{Scope: scope(), TsEvent: now.Add(-1 * time.Minute), Payload: map[string]interface{}{"close": 2.0}},
	}}

	w := New(Config{Scopes: []domainfeed.Scope{scope()}}, adapter, store, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})
	w.pollOnce(context.Background(), scope())

	watermark, err := store.Watermark(context.Background(), scope())
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !watermark.Equal(now.Add(-1 * time.Minute)) {
		t.Fatalf("expected watermark to advance to latest record, got %v", watermark)
	}

	records, err := store.ListRecords(context.Background(), scope(), time.Time{}, now, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestPollOnceLeavesWatermarkOnTransientFailure(t *testing.T) {
	store := memory.New()
	adapter := &fakeAdapter{fetchErr: context.DeadlineExceeded}
	w := New(Config{Scopes: []domainfeed.Scope{scope()}, Retry: core.RetryPolicy{Attempts: 1}}, adapter, store, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})

	before, _ := store.Watermark(context.Background(), scope())
	w.pollOnce(context.Background(), scope())
	after, _ := store.Watermark(context.Background(), scope())

	if !before.Equal(after) {
		t.Fatalf("expected watermark unchanged on transient failure")
	}
}

func TestTriggerBackfillRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	store := memory.New()
	now := time.Now().UTC()
	adapter := &fakeAdapter{pages: []Page{
		{Records: []domainfeed.Record{{Scope: scope(), TsEvent: now.Add(-time.Hour), Payload: map[string]interface{}{"close": 1.0}}}, HasMore: true},
	}}
	w := New(Config{BackfillRoot: dir}, adapter, store, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})

	if _, err := w.TriggerBackfill(context.Background(), scope(), now.Add(-24*time.Hour), now); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := w.TriggerBackfill(context.Background(), scope(), now.Add(-24*time.Hour), now); err == nil {
		t.Fatalf("expected second concurrent trigger to fail")
	}
}
