package artifact

import (
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"optibot/internal/gateway"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleResult() *gateway.ResultSet {
	return &gateway.ResultSet{
		Columns: []string{"region", "revenue"},
		Rows: [][]string{
			{"emea", "1200"},
			{"apac", "900"},
			{"amer", "3100"},
		},
	}
}

func TestCreateWritesCSV(t *testing.T) {
	m := newTestManager(t, Config{})

	art, err := m.Create(sampleResult(), "Revenue by region")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if art.Rows != 3 || art.Truncated {
		t.Errorf("got rows=%d truncated=%v, want 3 rows untruncated", art.Rows, art.Truncated)
	}

	f, err := os.Open(art.Path)
	if err != nil {
		t.Fatalf("artifact file missing: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("artifact is not valid CSV: %v", err)
	}

	want := [][]string{
		{"region", "revenue"},
		{"emea", "1200"},
		{"apac", "900"},
		{"amer", "3100"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("CSV mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRefusesEmptyResult(t *testing.T) {
	m := newTestManager(t, Config{})

	_, err := m.Create(&gateway.ResultSet{Columns: []string{"a"}}, "empty")
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("got %v, want ErrEmptyResult", err)
	}
	_, err = m.Create(nil, "nil")
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("got %v, want ErrEmptyResult", err)
	}
}

func TestCreateTruncatesAtByteCap(t *testing.T) {
	m := newTestManager(t, Config{MaxBytes: 64})

	rs := &gateway.ResultSet{Columns: []string{"value"}}
	for i := 0; i < 100; i++ {
		rs.Rows = append(rs.Rows, []string{"0123456789"})
	}

	art, err := m.Create(rs, "big")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !art.Truncated {
		t.Fatal("artifact should be marked truncated")
	}
	if art.Rows == 0 || art.Rows >= 100 {
		t.Errorf("rows = %d, want a partial count", art.Rows)
	}
}

func TestOpenAndMarkDelivered(t *testing.T) {
	m := newTestManager(t, Config{})
	art, err := m.Create(sampleResult(), "x")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	r, size, err := m.Open(art.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Close()
	if size != art.Size {
		t.Errorf("size = %d, want %d", size, art.Size)
	}

	if err := m.MarkDelivered(art.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	got, err := m.Get(art.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Delivered {
		t.Error("artifact should be marked delivered")
	}

	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSweepRemovesDeliveredAndExpired(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})

	delivered, err := m.Create(sampleResult(), "delivered")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	expired, err := m.Create(sampleResult(), "expired")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	kept, err := m.Create(sampleResult(), "kept")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.MarkDelivered(delivered.ID)
	m.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	// Age only the second artifact past its TTL.
	m.mu.Lock()
	m.artifacts[expired.ID].ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	if n := m.SweepOnce(); n != 2 {
		t.Fatalf("swept %d artifacts, want 2", n)
	}
	if _, err := os.Stat(delivered.Path); !os.IsNotExist(err) {
		t.Error("delivered artifact file should be deleted")
	}
	if _, err := os.Stat(expired.Path); !os.IsNotExist(err) {
		t.Error("expired artifact file should be deleted")
	}
	if _, err := m.Get(kept.ID); err != nil {
		t.Errorf("live artifact should survive the sweep: %v", err)
	}
}

func TestCloseRemovesEverything(t *testing.T) {
	m := newTestManager(t, Config{})
	art, err := m.Create(sampleResult(), "x")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(art.Path); !os.IsNotExist(err) {
		t.Error("artifact file should be deleted on Close")
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}
