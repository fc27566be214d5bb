package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"blelock-home/internal/transport"
)

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"lowercase colon", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff", false},
		{"uppercase colon", "AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff", false},
		{"mixed case", "aA:Bb:cC:Dd:eE:fF", "aa:bb:cc:dd:ee:ff", false},
		{"dash form", "AA-BB-CC-DD-EE-FF", "aa:bb:cc:dd:ee:ff", false},
		{"dot form", "aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff", false},
		{"surrounding space", "  AA:BB:CC:DD:EE:01 ", "aa:bb:cc:dd:ee:01", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"garbage", "front-door", "", true},
		{"too short", "AA:BB:CC", "", true},
		{"eui64", "00:12:4B:00:12:34:AB:CD", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIdentifier) {
					t.Errorf("error %v does not wrap ErrInvalidIdentifier", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	r := NewRegistry()
	id := "aa:bb:cc:dd:ee:ff"

	r.Upsert(id, DeviceHandle{Device: transport.DiscoveredDevice{MAC: id, RSSI: -80}, ScanGen: 1})
	r.Upsert(id, DeviceHandle{Device: transport.DiscoveredDevice{MAC: id, RSSI: -50}, ScanGen: 1})

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	h, ok := r.Get(id)
	if !ok {
		t.Fatal("entry missing")
	}
	if h.Device.RSSI != -50 {
		t.Errorf("rssi = %d, want latest -50", h.Device.RSSI)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Upsert("aa:bb:cc:dd:ee:01", DeviceHandle{})
	r.Upsert("aa:bb:cc:dd:ee:02", DeviceHandle{})
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("len after clear = %d", r.Len())
	}
	if _, ok := r.Get("aa:bb:cc:dd:ee:01"); ok {
		t.Error("entry survived clear")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	for _, mac := range []string{"aa:bb:cc:dd:ee:03", "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"} {
		r.Upsert(mac, DeviceHandle{Device: transport.DiscoveredDevice{MAC: mac}})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i, want := range []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"} {
		if snap[i].Device.MAC != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].Device.MAC, want)
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				mac := fmt.Sprintf("aa:bb:cc:dd:%02x:%02x", w, i)
				r.Upsert(mac, DeviceHandle{Device: transport.DiscoveredDevice{MAC: mac}})
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Get(fmt.Sprintf("aa:bb:cc:dd:%02x:%02x", w, i))
				r.Snapshot()
			}
		}(w)
	}
	wg.Wait()
	if r.Len() != 800 {
		t.Errorf("len = %d, want 800", r.Len())
	}
}
