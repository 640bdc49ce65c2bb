package predict

import (
	"context"
	"testing"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

type stubClient struct{}

func (stubClient) Tick(context.Context) error { return nil }
func (stubClient) Predict(context.Context, contract.InferenceInput) (contract.InferenceOutput, error) {
	return contract.InferenceOutput{}, nil
}

func TestRunnerRegisterAndLive(t *testing.T) {
	r := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	r.Register("model-a", stubClient{})
	r.Register("model-b", stubClient{})

	live := r.Live()
	if len(live) != 2 {
		t.Fatalf("expected 2 live models, got %d", len(live))
	}
	if _, ok := r.Client("model-a"); !ok {
		t.Fatalf("expected model-a to be retrievable")
	}
}

func TestRunnerQuarantinesAfterConsecutiveFailures(t *testing.T) {
	r := NewRunner(16, 2, 2, eventbus.New(), logger.NewDefault("test"))
	r.Register("model-a", stubClient{})

	r.RecordOutcome(context.Background(), "model-a", outcomeFailure)
	if _, ok := r.Client("model-a"); !ok {
		t.Fatalf("expected model-a to survive one failure")
	}
	r.RecordOutcome(context.Background(), "model-a", outcomeFailure)
	if _, ok := r.Client("model-a"); ok {
		t.Fatalf("expected model-a to be quarantined after threshold failures")
	}
}

func TestRunnerSuccessResetsCounters(t *testing.T) {
	r := NewRunner(16, 2, 2, eventbus.New(), logger.NewDefault("test"))
	r.Register("model-a", stubClient{})

	r.RecordOutcome(context.Background(), "model-a", outcomeFailure)
	r.RecordOutcome(context.Background(), "model-a", outcomeSuccess)
	r.RecordOutcome(context.Background(), "model-a", outcomeFailure)
	if _, ok := r.Client("model-a"); !ok {
		t.Fatalf("expected success to reset the failure streak")
	}
}

func TestRunnerUnregisterRemovesModel(t *testing.T) {
	r := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	r.Register("model-a", stubClient{})
	r.Unregister("model-a")
	if _, ok := r.Client("model-a"); ok {
		t.Fatalf("expected model-a to be gone after Unregister")
	}
}
