package memory

import "context"

// Persister provides durable storage behind the in-memory Store. Every
// method must be atomic: a failed CommitGroup leaves nothing applied.
type Persister interface {
	Close() error

	SaveRecord(ctx context.Context, rec MemoryRecord) error
	UpdateAccess(ctx context.Context, rec MemoryRecord) error
	CommitGroup(ctx context.Context, group MemoryRecord, absorbed []string) error
	LoadRecords(ctx context.Context) ([]MemoryRecord, map[string]string, error)

	StartCompaction(ctx context.Context, sizeBefore, target int, checkpoint map[string]string) (string, error)
	CompleteCompaction(ctx context.Context, compactionID string, report CompressionReport) error
	FailCompaction(ctx context.Context, compactionID, errMsg string) error
	CountCompactions(ctx context.Context) (int, error)

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}
