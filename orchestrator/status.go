package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/signup-broker/protocol"
)

// BatchReporter publishes the final summary of a batch to external systems.
type BatchReporter interface {
	ReportBatch(ctx context.Context, summary protocol.BatchSummary) error
}

// NoopBatchReporter ignores summaries.
type NoopBatchReporter struct{}

func (NoopBatchReporter) ReportBatch(ctx context.Context, summary protocol.BatchSummary) error {
	return nil
}
