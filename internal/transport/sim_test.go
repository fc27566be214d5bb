package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSimulatorScanReportsDevices(t *testing.T) {
	sim := NewSimulator([]SimDevice{
		{MAC: "AA:BB:CC:DD:EE:01", Name: "Front"},
		{MAC: "aa:bb:cc:dd:ee:02", Name: "Late", AppearAfter: time.Hour},
	}, testLogger())
	defer sim.Close()

	got := make(chan DiscoveredDevice, 4)
	err := sim.StartScan(context.Background(), time.Second, func(batch []DiscoveredDevice) {
		for _, d := range batch {
			got <- d
		}
	})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	select {
	case d := <-got:
		if d.Name != "Front" {
			t.Errorf("unexpected device: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no device reported")
	}
	select {
	case d := <-got:
		t.Errorf("device past scan window reported: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSimulatorStopScanSuppressesResults(t *testing.T) {
	sim := NewSimulator([]SimDevice{{MAC: "aa:bb:cc:dd:ee:01", AppearAfter: 100 * time.Millisecond}}, testLogger())
	defer sim.Close()

	got := make(chan struct{}, 1)
	if err := sim.StartScan(context.Background(), time.Second, func([]DiscoveredDevice) { got <- struct{}{} }); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := sim.StopScan(); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	select {
	case <-got:
		t.Error("results delivered after StopScan")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSimulatorLockCommands(t *testing.T) {
	sim := NewSimulator([]SimDevice{
		{MAC: "aa:bb:cc:dd:ee:01", AuthCode: "1111"},
		{MAC: "aa:bb:cc:dd:ee:02", RejectClose: true},
	}, testLogger())
	defer sim.Close()
	ctx := context.Background()

	resp, err := sim.OpenLock(ctx, LockAction{Device: DiscoveredDevice{MAC: "aa:bb:cc:dd:ee:01"}, AuthCode: "1111"})
	if err != nil || !resp.Successful {
		t.Errorf("open with good code: resp=%+v err=%v", resp, err)
	}
	resp, err = sim.OpenLock(ctx, LockAction{Device: DiscoveredDevice{MAC: "aa:bb:cc:dd:ee:01"}, AuthCode: "0000"})
	if err != nil || resp.Successful {
		t.Errorf("open with bad code: resp=%+v err=%v", resp, err)
	}
	resp, err = sim.CloseLock(ctx, LockAction{Device: DiscoveredDevice{MAC: "aa:bb:cc:dd:ee:02"}})
	if err != nil || resp.Successful {
		t.Errorf("close on rejecting lock: resp=%+v err=%v", resp, err)
	}

	_, err = sim.OpenLock(ctx, LockAction{Device: DiscoveredDevice{MAC: "aa:bb:cc:dd:ee:99"}})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Errorf("unknown device: expected StatusError, got %v", err)
	}

	if len(sim.Opens) != 3 || len(sim.Closes) != 1 {
		t.Errorf("recorded commands: opens=%d closes=%d", len(sim.Opens), len(sim.Closes))
	}
}

func TestSimulatorClosed(t *testing.T) {
	sim := NewSimulator(nil, testLogger())
	sim.Close()
	if err := sim.StartScan(context.Background(), time.Second, func([]DiscoveredDevice) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("StartScan after Close: %v", err)
	}
	if _, err := sim.OpenLock(context.Background(), LockAction{}); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenLock after Close: %v", err)
	}
}
