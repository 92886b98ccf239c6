package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
)

func decisionRecord(i int, decision string) audit.AuditRecord {
	return audit.AuditRecord{
		Timestamp: time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
		EventType: audit.EventTypeDecision,
		RequestID: fmt.Sprintf("req-%d", i),
		SubjectID: "u1",
		Resource:  "invoices",
		Action:    "update",
		Decision:  decision,
	}
}

func TestAuditStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewAuditStore(buf, 0)
	if err := store.Append(context.Background(), decisionRecord(1, audit.DecisionAllow), decisionRecord(2, audit.DecisionDeny)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	var decoded audit.AuditRecord
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.RequestID != "req-2" || decoded.Decision != audit.DecisionDeny {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAuditStore_RingBufferKeepsNewest(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil, 3)
	for i := 1; i <= 5; i++ {
		if err := store.Append(context.Background(), decisionRecord(i, audit.DecisionAllow)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if store.Len() != 3 {
		t.Errorf("Len() = %d, want 3", store.Len())
	}
	got := store.Query(audit.AuditFilter{})
	want := []string{"req-5", "req-4", "req-3"}
	if len(got) != len(want) {
		t.Fatalf("Query() returned %d records, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.RequestID != want[i] {
			t.Errorf("record %d = %s, want %s", i, r.RequestID, want[i])
		}
	}
}

func TestAuditStore_QueryFilters(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil, 0)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		d := audit.DecisionAllow
		if i%2 == 0 {
			d = audit.DecisionDeny
		}
		_ = store.Append(ctx, decisionRecord(i, d))
	}
	_ = store.Append(ctx, audit.AuditRecord{Timestamp: time.Now(), EventType: audit.EventTypeRoleSave, TargetID: "editor"})

	tests := []struct {
		name   string
		filter audit.AuditFilter
		want   int
	}{
		{"all", audit.AuditFilter{}, 7},
		{"deny only", audit.AuditFilter{Decision: "DENY"}, 3},
		{"event type", audit.AuditFilter{EventType: audit.EventTypeRoleSave}, 1},
		{"subject", audit.AuditFilter{SubjectID: "u1"}, 6},
		{"resource miss", audit.AuditFilter{Resource: "contacts"}, 0},
		{"limit", audit.AuditFilter{Limit: 2}, 2},
		{"time window", audit.AuditFilter{
			StartTime: time.Date(2026, 3, 1, 0, 0, 2, 0, time.UTC),
			EndTime:   time.Date(2026, 3, 1, 0, 0, 4, 0, time.UTC),
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := store.Query(tt.filter); len(got) != tt.want {
				t.Errorf("Query() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAuditStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil, 50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = store.Append(context.Background(), decisionRecord(j, audit.DecisionAllow))
			}
		}()
	}
	wg.Wait()
	if store.Len() != 50 {
		t.Errorf("Len() = %d, want 50", store.Len())
	}
}

func TestOpenAuditFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "decisions.log")
	store, err := OpenAuditFile(path, 10)
	if err != nil {
		t.Fatalf("OpenAuditFile() error: %v", err)
	}
	if err := store.Append(context.Background(), decisionRecord(1, audit.DecisionAllow)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 1 {
		t.Errorf("file has %d lines, want 1", lines)
	}
}
