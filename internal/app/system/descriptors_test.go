package system

import (
	"testing"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
)

type mockProvider struct{ desc core.Descriptor }

func (m mockProvider) Descriptor() core.Descriptor { return m.desc }

func TestCollectDescriptors(t *testing.T) {
	providers := []DescriptorProvider{
		mockProvider{desc: core.Descriptor{Name: "score-engine", Layer: core.LayerEngine}},
		mockProvider{desc: core.Descriptor{Name: "feed-worker", Layer: core.LayerIngress}},
		mockProvider{desc: core.Descriptor{Name: "checkpoint-builder", Layer: core.LayerEngine}},
		nil,
	}

	descr := CollectDescriptors(providers)

	if len(descr) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descr))
	}
	if descr[0].Name != "checkpoint-builder" || descr[1].Name != "score-engine" || descr[2].Name != "feed-worker" {
		t.Fatalf("unexpected order: %#v", descr)
	}
}
