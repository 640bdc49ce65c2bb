package system

import (
	"context"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
)

// Service represents a lifecycle-managed component: the feed worker, predict
// orchestrator, score engine, checkpoint builder, and the reporting API
// server all implement it so Application can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
