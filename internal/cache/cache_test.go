package cache

import (
	"testing"
	"time"
)

func TestNewMergesDefaultTTLs(t *testing.T) {
	c := New(nil, map[Class]time.Duration{ClassAgentConfig: time.Minute})
	if c.ttls[ClassAgentConfig] != time.Minute {
		t.Fatalf("expected override to apply, got %v", c.ttls[ClassAgentConfig])
	}
	if c.ttls[ClassTierInfo] != DefaultTTLs[ClassTierInfo] {
		t.Fatalf("expected default to carry through for unrelated class")
	}
}

func TestNamespacedKey(t *testing.T) {
	got := namespacedKey(ClassProjectMeta, "proj-1")
	want := "cache:project_meta:proj-1"
	if got != want {
		t.Fatalf("namespacedKey = %q, want %q", got, want)
	}
}
