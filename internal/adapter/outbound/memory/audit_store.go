package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore writes records as JSON lines and keeps the most recent ones
// in a ring buffer for admin queries.
type AuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	closer  io.Closer
	mu      sync.Mutex
	ring    []audit.AuditRecord
	next    int
	full    bool
}

// NewAuditStore creates an audit store writing to w. A capacity <= 0 uses
// the default ring size.
func NewAuditStore(w io.Writer, capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	if w == nil {
		w = io.Discard
	}
	return &AuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		ring:    make([]audit.AuditRecord, capacity),
	}
}

// OpenAuditFile creates an audit store appending to the file at path.
func OpenAuditFile(path string, capacity int) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	s := NewAuditStore(f, capacity)
	s.closer = f
	return s, nil
}

// Append encodes each record and adds it to the ring buffer.
func (s *AuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.encoder.Encode(r); err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		s.ring[s.next] = r
		s.next = (s.next + 1) % len(s.ring)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Flush syncs file-backed stores.
func (s *AuditStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.writer.(*os.File); ok && s.closer != nil {
		return f.Sync()
	}
	return nil
}

// Close closes the underlying file, if the store opened one.
func (s *AuditStore) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Len returns the number of buffered records.
func (s *AuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.ring)
	}
	return s.next
}

// Query returns buffered records matching filter, newest first.
func (s *AuditStore) Query(filter audit.AuditFilter) []audit.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.ring)
	}
	limit := filter.EffectiveLimit()
	var out []audit.AuditRecord
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		if filter.Matches(s.ring[idx]) {
			out = append(out, s.ring[idx])
		}
	}
	return out
}

// Compile-time interface verification.
var (
	_ audit.AuditStore  = (*AuditStore)(nil)
	_ audit.AuditReader = (*AuditStore)(nil)
)
