package module

import "priceoracle/internal/services/aggregator/orchestrator"

// Ports is what the aggregator module exposes to other modules that want
// to issue quote requests without depending on its HTTP surface
type Ports struct {
	Orchestrator *orchestrator.Orchestrator
}
