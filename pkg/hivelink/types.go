package hivelink

import (
	"github.com/hivemind-plus/hivelink/internal/app/pipeline"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Message is the unit that flows from a node outbox to the aggregator store.
type Message = domain.TelemetryMessage

// Reading is the flat field map carried by samples and logs.
type Reading = domain.Reading

// Response is the aggregator's reply to one message.
type Response = domain.Response

// Estimates maps estimator names to predicted labels.
type Estimates = domain.Estimates

// Kind distinguishes samples, operator logs and responses.
type Kind = domain.Kind

// BucketKey names the time bucket a document was stored in.
type BucketKey = domain.BucketKey

const (
	KindSample   = domain.KindSample
	KindLog      = domain.KindLog
	KindResponse = domain.KindResponse

	StatusOK  = domain.StatusOK
	StatusBad = domain.StatusBad
)

// Record is a stored document as handed to mirror sinks.
type Record = ports.Record

// Collector streams readings from any data source (OPC UA, serial lines, simulators) into the outbox.
type Collector = ports.Collector

// Sink mirrors stored documents to a remote backend.
type Sink = ports.Sink

// Store is the bucketed document store on the aggregator.
type Store = ports.Store

// Estimator is a model the aggregator fits from operator logs.
type Estimator = ports.Estimator

// RequestChannel is the node side of the lock-step link.
type RequestChannel = ports.RequestChannel

// Observability emits metrics/logs about throughput, latency, and DLQ conditions.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// WAL abstracts the write-ahead outbox used for durability and crash recovery.
type WAL = ports.WAL

// WALStats exposes WAL metadata for observability.
type WALStats = ports.WALStats

// WALEntryID uniquely identifies a WAL entry.
type WALEntryID = ports.WALEntryID

// Health is the aggregator's last backend check.
type Health = pipeline.Health
