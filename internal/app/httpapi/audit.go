package httpapi

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// auditEntry records one mutating API request. Entries are what operators
// see on /audit and what the JSONL sink persists.
type auditEntry struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	Role       string    `json:"role"`
	Workspace  string    `json:"workspace,omitempty"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

type auditSink interface {
	Write(entry auditEntry) error
}

// auditRing keeps the newest entries in a fixed circular buffer. Writes
// never allocate once the ring is full, so audit capture stays cheap on
// the request path.
type auditRing struct {
	mu    sync.Mutex
	buf   []auditEntry
	head  int
	count int
	sink  auditSink
}

func newAuditRing(capacity int, sink auditSink) *auditRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &auditRing{buf: make([]auditEntry, capacity), sink: sink}
}

func (r *auditRing) record(entry auditEntry) {
	r.mu.Lock()
	r.buf[r.head] = entry
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		// Persistence is best-effort; a full disk must not fail requests.
		_ = sink.Write(entry)
	}
}

// tail returns up to limit entries, oldest first, optionally narrowed to
// one workspace. limit <= 0 means everything retained.
func (r *auditRing) tail(limit int, workspace string) []auditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]auditEntry, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		e := r.buf[(start+i)%len(r.buf)]
		if workspace != "" && e.Workspace != workspace {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// fileAuditSink appends entries to a JSONL file. The encoder terminates
// each record with a newline, so the file is greppable and tail-able.
type fileAuditSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func newFileAuditSink(path string) (*fileAuditSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	if s == nil || s.enc == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(entry)
}
