package ports

import "github.com/hivemind-plus/hivelink/internal/domain"

// NopObservability discards everything. Components fall back to it when no
// Observability is configured.
type NopObservability struct{}

func (NopObservability) LogInfo(string, ...Field)                              {}
func (NopObservability) LogError(string, error, ...Field)                      {}
func (NopObservability) LogCritical(string, error, ...Field)                   {}
func (NopObservability) IncCounter(string, float64)                            {}
func (NopObservability) ObserveLatency(string, float64)                        {}
func (NopObservability) SetGauge(string, float64)                              {}
func (NopObservability) RecordDLQ(WALEntryID, *domain.TelemetryMessage, error) {}

var _ Observability = NopObservability{}
