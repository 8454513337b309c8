package trace

import (
	"strings"
	"testing"
)

func TestRecordAssignsSequence(t *testing.T) {
	s := NewSession()
	s.Record(0x1000, "syscall", "openat", "/proc/self/maps")
	s.Record(0x1004, "jni", "FindClass", "class=com/foo/Bar")
	s.Record(0x1008, "syscall", "read", "")

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestFilterByTag(t *testing.T) {
	s := NewSession()
	s.Record(0x1000, "syscall", "openat", "")
	s.Record(0x1004, "jni", "FindClass", "")
	s.Record(0x1008, "syscall", "read", "")

	sys := s.Filter(Syscall)
	if len(sys) != 2 {
		t.Fatalf("filtered %d events, want 2", len(sys))
	}
	if sys[0].Name != "openat" || sys[1].Name != "read" {
		t.Errorf("filtered names = %s, %s", sys[0].Name, sys[1].Name)
	}
	if got := s.Filter(Thread); len(got) != 0 {
		t.Errorf("thread filter matched %d events", len(got))
	}
}

func TestEventsReturnsCopy(t *testing.T) {
	s := NewSession()
	s.Record(0x1000, "hook", "instruction", "")

	first := s.Events()
	s.Record(0x1004, "hook", "instruction", "")
	if len(first) != 1 {
		t.Errorf("earlier snapshot grew to %d events", len(first))
	}
}

func TestTags(t *testing.T) {
	var tags Tags
	tags.Add(Syscall)
	tags.Add(Jni)
	tags.Add(Syscall)
	if len(tags) != 2 {
		t.Fatalf("len = %d after duplicate add, want 2", len(tags))
	}
	if !tags.Has(Jni) || tags.Has(Memory) {
		t.Errorf("Has: jni=%v memory=%v", tags.Has(Jni), tags.Has(Memory))
	}
	want := []string{"#syscall", "#jni"}
	for i, s := range tags.Strings() {
		if s != want[i] {
			t.Errorf("Strings()[%d] = %q, want %q", i, s, want[i])
		}
	}
}

func TestEventString(t *testing.T) {
	e := &Event{Seq: 7, PC: 0x4000_1000, Tags: Tags{Syscall}, Name: "openat", Detail: "/dev/urandom"}
	got := e.String()
	for _, want := range []string{"7", "40001000", "#syscall", "openat", "/dev/urandom"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}

func TestSessionIdentity(t *testing.T) {
	a, b := NewSession(), NewSession()
	if a.ID == b.ID {
		t.Error("two sessions share an ID")
	}
}
