package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSighting(t *testing.T) {
	s := newTestStore(t)

	sg := &Sighting{
		MAC:       "aa:bb:cc:dd:ee:01",
		Name:      "Front door",
		RSSI:      -61,
		Count:     3,
		FirstSeen: time.Now().Add(-time.Hour).Truncate(time.Millisecond),
		LastSeen:  time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveSighting(sg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSighting(sg.MAC)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != sg.Name || got.RSSI != sg.RSSI || got.Count != 3 {
		t.Errorf("sighting = %+v, want %+v", got, sg)
	}
	if !got.LastSeen.Equal(sg.LastSeen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, sg.LastSeen)
	}
}

func TestGetSightingNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSighting("aa:bb:cc:dd:ee:99")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSighting(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveSighting(&Sighting{MAC: "aa:bb:cc:dd:ee:01"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSighting("aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSighting("aa:bb:cc:dd:ee:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateSightingCreatesAndModifies(t *testing.T) {
	s := newTestStore(t)
	mac := "aa:bb:cc:dd:ee:01"

	for i := 0; i < 3; i++ {
		err := s.UpdateSighting(mac, func(sg *Sighting) error {
			sg.Count++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetSighting(mac)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 || got.MAC != mac {
		t.Errorf("sighting = %+v", got)
	}
}

func TestUpdateSightingAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	mac := "aa:bb:cc:dd:ee:01"
	boom := errors.New("boom")
	err := s.UpdateSighting(mac, func(sg *Sighting) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := s.GetSighting(mac); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed update persisted a record: %v", err)
	}
}

func TestListSightings(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		if err := s.SaveSighting(&Sighting{MAC: fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i)}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListSightings()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Errorf("len = %d, want 3", len(list))
	}
}

func historyID(i int) string {
	// ULIDs sort by time; a fixed-width counter sorts the same way.
	return fmt.Sprintf("01J0000000000000000000%04d", i)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		rec := &UnlockRecord{ID: historyID(i), MAC: "aa:bb:cc:dd:ee:01", OK: i%2 == 0, Attempts: i}
		if err := s.AppendHistory(rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListHistory(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if all[0].ID != historyID(5) || all[4].ID != historyID(1) {
		t.Errorf("order: first=%s last=%s", all[0].ID, all[4].ID)
	}

	two, err := s.ListHistory(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 || two[0].ID != historyID(5) || two[1].ID != historyID(4) {
		t.Errorf("limited list = %v", two)
	}

	rec, err := s.GetHistory(historyID(3))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
	if _, err := s.GetHistory("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendHistoryRequiresID(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendHistory(&UnlockRecord{}); err == nil {
		t.Error("expected error for record without id")
	}
}

func TestPruneHistory(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 10; i++ {
		if err := s.AppendHistory(&UnlockRecord{ID: historyID(i)}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneHistory(4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("removed = %d, want 6", n)
	}
	left, _ := s.ListHistory(0)
	if len(left) != 4 || left[3].ID != historyID(7) {
		t.Errorf("remaining = %d, oldest = %s", len(left), left[len(left)-1].ID)
	}

	n, err = s.PruneHistory(100)
	if err != nil || n != 0 {
		t.Errorf("prune below limit: n=%d err=%v", n, err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendHistory(&UnlockRecord{ID: historyID(1), Message: "Lock opened and auto-closed", OK: true}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rec, err := s.GetHistory(historyID(1))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.OK || rec.Message != "Lock opened and auto-closed" {
		t.Errorf("record = %+v", rec)
	}
}
