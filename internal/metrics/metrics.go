// Package metrics provides observability for the audit chain service
package metrics

import (
	"net/http"
	"time"
)

// Append outcomes used as the "result" label
const (
	AppendResultAppended  = "appended"
	AppendResultDuplicate = "duplicate"
	AppendResultRejected  = "rejected"
	AppendResultFailed    = "failed"
	AppendResultHalted    = "halted"
)

// Verification outcomes used as the "result" label
const (
	VerifyResultValid  = "valid"
	VerifyResultBroken = "broken"
	VerifyResultError  = "error"
)

// Metrics provides observability for the audit chain service
type Metrics interface {
	// Append path
	RecordAppend(result string, duration time.Duration)
	RecordLockWait(duration time.Duration)
	RecordTailRepair()
	SetChainsHalted(count int)

	// Verification
	RecordVerifyRun(result string, duration time.Duration)
	RecordBrokenLink(kind string)

	// Retention
	RecordPartitionArchived()

	// HTTP
	IncActiveRequests()
	DecActiveRequests()

	// HTTP handler for Prometheus scraping
	HTTPHandler() http.Handler
}

// NoOpMetrics provides a no-op implementation for testing/disabled monitoring
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-op metrics instance
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) RecordAppend(result string, duration time.Duration)    {}
func (n *NoOpMetrics) RecordLockWait(duration time.Duration)                 {}
func (n *NoOpMetrics) RecordTailRepair()                                     {}
func (n *NoOpMetrics) SetChainsHalted(count int)                             {}
func (n *NoOpMetrics) RecordVerifyRun(result string, duration time.Duration) {}
func (n *NoOpMetrics) RecordBrokenLink(kind string)                          {}
func (n *NoOpMetrics) RecordPartitionArchived()                              {}
func (n *NoOpMetrics) IncActiveRequests()                                    {}
func (n *NoOpMetrics) DecActiveRequests()                                    {}

// HTTPHandler returns a no-op handler
func (n *NoOpMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# NoOp metrics - monitoring disabled\n"))
	})
}
