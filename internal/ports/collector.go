package ports

import "github.com/hivemind-plus/hivelink/internal/domain"

// Collector produces readings on a node and pushes them as sample messages.
type Collector interface {
	Start(out chan<- *domain.TelemetryMessage) error
	Stop() error
}
