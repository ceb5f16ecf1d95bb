package leader

import "testing"

func TestAlwaysReportsLeader(t *testing.T) {
	var checker interface{ IsLeader() bool } = Always{}
	if !checker.IsLeader() {
		t.Fatal("Always must always report leader")
	}
}

func TestElectorStartsAsNonLeader(t *testing.T) {
	e := NewElector(Config{InstanceID: "test-1"})
	if e.IsLeader() {
		t.Fatal("a fresh Elector must not report leader before acquiring the lock")
	}
}
