// Package trace collects execution events emitted by the dispatcher,
// bridge, and hook layers into a session that can be rendered or
// inspected after a run.
package trace

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tag categorizes a trace event. Stored without # prefix; rendering
// adds it.
type Tag string

const (
	Syscall Tag = "syscall"
	Jni     Tag = "jni"
	Hook    Tag = "hook"
	Module  Tag = "module"
	Stub    Tag = "stub"
	Libc    Tag = "libc"
	Memory  Tag = "memory"
	Thread  Tag = "thread"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one recorded occurrence during guest execution.
type Event struct {
	Seq       uint64 // position in the session, the stable ordering key
	PC        uint64
	Tags      Tags
	Name      string // e.g. "openat", "FindClass"
	Detail    string // e.g. "/proc/self/maps", "class=com/foo/Bar"
	Timestamp time.Time
}

func (e *Event) Primary() Tag {
	if len(e.Tags) > 0 {
		return e.Tags[0]
	}
	return ""
}

func (e *Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%6d 0x%08x %-9s %s", e.Seq, e.PC, "#"+string(e.Primary()), e.Name)
	if e.Detail != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

// Session accumulates events for one emulator run, identified for log
// correlation across runs.
type Session struct {
	ID      uuid.UUID
	Started time.Time

	mu     sync.Mutex
	events []*Event
	seq    uint64
}

func NewSession() *Session {
	return &Session{ID: uuid.New(), Started: time.Now()}
}

// Record appends an event. It is the sink for log.SetOnTrace, so
// anything the structured log traces also lands here.
func (s *Session) Record(pc uint64, category, name, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &Event{
		Seq:       s.seq,
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	s.seq++
}

// Events returns the recorded events in order.
func (s *Session) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// Filter returns events carrying the tag.
func (s *Session) Filter(tag Tag) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Tags.Has(tag) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
