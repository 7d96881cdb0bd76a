package observability

import "testing"

func TestRecordRateLimitDenied_DoesNotPanic(t *testing.T) {
	RecordRateLimitDenied("like", "min_spacing")
	RecordRateLimitDenied("post", "window_day")
}

func TestRecordWorkerActivation_DoesNotPanic(t *testing.T) {
	RecordWorkerActivation("ok")
	RecordWorkerActivation("at_capacity")
	RecordWorkerDeactivation()
}

func TestObserveDispatchLatency_DoesNotPanic(t *testing.T) {
	ObserveDispatchLatency("like", 0.25)
}

func TestRecordBatchAdvance_DoesNotPanic(t *testing.T) {
	RecordBatchAdvance()
}
