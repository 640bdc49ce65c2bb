package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

func TestSyncerRegistersAndUnregistersModels(t *testing.T) {
	store := memory.New()
	if _, err := store.UpsertModel(context.Background(), score.Model{ID: "m1", Name: "m1"}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}

	runner := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	factory := func(m score.Model) (ModelClient, error) { return okClient{}, nil }
	syncer := NewSyncer(runner, store, factory, logger.NewDefault("test"), time.Hour)

	syncer.reconcile(context.Background())
	if _, ok := runner.Client("m1"); !ok {
		t.Fatalf("expected m1 to be registered after reconcile")
	}

	// Quarantine m1 directly in the runner, then reconcile again: since the
	// store still reports it live, the syncer re-registers it on the next
	// poll rather than leaving it permanently evicted.
	runner.Unregister("m1")
	syncer.reconcile(context.Background())
	if _, ok := runner.Client("m1"); !ok {
		t.Fatalf("expected m1 to be re-registered once the store still reports it live")
	}
}

func TestSyncerSkipsModelOnFactoryError(t *testing.T) {
	store := memory.New()
	if _, err := store.UpsertModel(context.Background(), score.Model{ID: "m1", Name: "m1"}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	runner := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	factory := func(score.Model) (ModelClient, error) { return nil, errors.New("no endpoint") }
	syncer := NewSyncer(runner, store, factory, logger.NewDefault("test"), time.Hour)

	syncer.reconcile(context.Background())
	if _, ok := runner.Client("m1"); ok {
		t.Fatalf("expected m1 to stay unregistered when factory fails")
	}
}
