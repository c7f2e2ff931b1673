package phase

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duskwarden/duskwarden/internal/observability"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phase.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreDefaultsToObsInfo(t *testing.T) {
	s := openTestStore(t)
	p, err := s.Get()
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if p != ObsInfo {
		t.Fatalf("Get() on fresh store = %v, want ObsInfo", p)
	}
}

func TestStoreSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set(Watching); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	p, err := s.Get()
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if p != Watching {
		t.Fatalf("Get() = %v, want Watching", p)
	}
}

// TestStoreSurvivesReopen simulates a crash and restart by closing the
// file and reopening it at the same path.
func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phase.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	if err := s1.Set(CalPost); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if err := s1.SetLastObs(12345); err != nil {
		t.Fatalf("SetLastObs() returned error: %v", err)
	}
	if err := s1.SetFixedList("/etc/duskwarden/winter.fixed"); err != nil {
		t.Fatalf("SetFixedList() returned error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open() returned error: %v", err)
	}
	defer s2.Close()

	p, err := s2.Get()
	if err != nil || p != CalPost {
		t.Fatalf("Get() after reopen = %v, %v; want CalPost, nil", p, err)
	}
	n, err := s2.GetLastObs()
	if err != nil || n != 12345 {
		t.Fatalf("GetLastObs() after reopen = %v, %v; want 12345, nil", n, err)
	}
	fl, err := s2.GetFixedList()
	if err != nil || fl != "/etc/duskwarden/winter.fixed" {
		t.Fatalf("GetFixedList() after reopen = %q, %v; want winter.fixed path, nil", fl, err)
	}
}

func TestGetFixedListEmptyByDefault(t *testing.T) {
	s := openTestStore(t)
	fl, err := s.GetFixedList()
	if err != nil {
		t.Fatalf("GetFixedList() returned error: %v", err)
	}
	if fl != "" {
		t.Fatalf("GetFixedList() on fresh store = %q, want empty", fl)
	}
}

func TestGetLastObsZeroByDefault(t *testing.T) {
	s := openTestStore(t)
	n, err := s.GetLastObs()
	if err != nil {
		t.Fatalf("GetLastObs() returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("GetLastObs() on fresh store = %d, want 0", n)
	}
}

// TestLedgerOrdersByCompletionTime covers the ReadLedger iteration-order
// guarantee: records come back in completion order even when appended out
// of obsnum order.
func TestLedgerOrdersByCompletionTime(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 7, 29, 2, 0, 0, 0, time.UTC)

	if err := s.AppendCompletedObservation(200, "listA", base); err != nil {
		t.Fatalf("AppendCompletedObservation() returned error: %v", err)
	}
	if err := s.AppendCompletedObservation(100, "listB", base.Add(time.Hour)); err != nil {
		t.Fatalf("AppendCompletedObservation() returned error: %v", err)
	}

	var starlists []string
	err := s.ReadLedger(func(key, starlist string) error {
		starlists = append(starlists, starlist)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadLedger() returned error: %v", err)
	}
	if len(starlists) != 2 || starlists[0] != "listA" || starlists[1] != "listB" {
		t.Fatalf("ReadLedger() order = %v, want [listA listB]", starlists)
	}
}

// TestStoreMetricsTrackWritesAndLedgerSize covers StorageWriteLatency and
// LedgerEntries being updated from production write paths, not just
// registered.
func TestStoreMetricsTrackWritesAndLedgerSize(t *testing.T) {
	s := openTestStore(t)
	m := observability.NewMetrics()
	s.SetMetrics(m)

	if err := s.Set(Focus); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if got := testutil.ToFloat64(m.LedgerEntries); got != 0 {
		t.Fatalf("LedgerEntries after a non-ledger write = %v, want 0", got)
	}

	if err := s.AppendCompletedObservation(100, "listA", time.Now()); err != nil {
		t.Fatalf("AppendCompletedObservation() returned error: %v", err)
	}
	if got := testutil.ToFloat64(m.LedgerEntries); got != 1 {
		t.Fatalf("LedgerEntries after one append = %v, want 1", got)
	}

	writes := testutil.CollectAndCount(m.StorageWriteLatency)
	if writes == 0 {
		t.Fatalf("StorageWriteLatency recorded no observations")
	}
}
