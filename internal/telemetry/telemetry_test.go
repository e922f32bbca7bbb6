package telemetry

import "testing"

func TestEnableDisableNoop(t *testing.T) {
	Disable()
	// These must not panic, and must be true no-ops while disabled.
	ObserveQueueAccess("l1d", "rq")
	ObserveCacheHit("l1d", "LOAD")
	ObserveMSHROccupancy("l1d", 3)

	Enable()
	defer Disable()
	ObserveQueueAccess("l1d", "rq")
	ObserveCacheHit("l1d", "LOAD")
	ObserveCacheMiss("l1d", "LOAD")
	ObserveQueueMerged("l1d", "wq")
	ObserveQueueForwarded("l1d")
	ObserveUsefulPrefetch("l1d")
	ObserveEviction("l1d")
	ObserveMSHROccupancy("l1d", 3)

	if !Enabled() {
		t.Error("expected Enabled() true after Enable()")
	}
}
