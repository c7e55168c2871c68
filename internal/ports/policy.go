package ports

import "time"

type Policy struct {
	MaxWALSizeBytes     int64         `yaml:"max_wal_size_bytes" toml:"max_wal_size_bytes"`
	MaxQueueLen         int           `yaml:"max_queue_len" toml:"max_queue_len"`
	MaxBatchSize        int           `yaml:"max_batch_size" toml:"max_batch_size"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts" toml:"max_delivery_attempts"`
	IdleSleep           time.Duration `yaml:"idle_sleep" toml:"idle_sleep"`

	OnWALFull   string `yaml:"on_wal_full" toml:"on_wal_full"`     // "block", "drop"
	OnQueueFull string `yaml:"on_queue_full" toml:"on_queue_full"` // "reject", "drop"
}
