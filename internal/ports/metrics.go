package ports

// Metric names shared by the node and the aggregator.
const (
	MetricMessagesReceived   = "hive_messages_received_total"
	MetricRepliesSent        = "hive_replies_sent_total"
	MetricMalformedPayloads  = "hive_malformed_payloads_total"
	MetricTransportTimeouts  = "hive_transport_timeouts_total"
	MetricTransportErrors    = "hive_transport_errors_total"
	MetricChannelRefreshes   = "hive_channel_refreshes_total"
	MetricSamplesDelivered   = "hive_samples_delivered_total"
	MetricDocumentsStored    = "hive_documents_stored_total"
	MetricBackendFailures    = "hive_backend_failures_total"
	MetricTaskRuns           = "hive_task_runs_total"
	MetricTaskFailures       = "hive_task_failures_total"
	MetricTrainingRuns       = "hive_training_runs_total"
	MetricDLQ                = "hive_dlq_total"
	MetricQueueDropped       = "hive_queue_dropped_total"
	MetricWALSizeBytes       = "hive_wal_size_bytes"
	MetricOutboxPending      = "hive_outbox_pending"
	MetricTrainingQueueLen   = "hive_training_queue_length"
	MetricBucketDocuments    = "hive_bucket_documents"
	MetricBackendsHealthy    = "hive_backends_healthy"
	MetricRoundTripLatency   = "hive_round_trip_latency_seconds"
	MetricTaskDuration       = "hive_task_duration_seconds"
	MetricStoreInsertLatency = "hive_store_insert_latency_seconds"
)
