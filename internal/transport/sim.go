package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SimDevice is one lock known to the Simulator.
type SimDevice struct {
	MAC  string `yaml:"mac"`
	Name string `yaml:"name"`
	RSSI int8   `yaml:"rssi"`
	// AuthCode, when set, must match the command's auth code.
	AuthCode string `yaml:"auth_code"`
	// RejectOpen / RejectClose make the lock refuse the command.
	RejectOpen  bool `yaml:"reject_open"`
	RejectClose bool `yaml:"reject_close"`
	// AppearAfter delays the advertisement from scan start.
	AppearAfter time.Duration `yaml:"appear_after"`
}

// Simulator implements Transport with in-memory locks. Scans report every
// configured device once AppearAfter has elapsed.
type Simulator struct {
	logger *slog.Logger

	mu       sync.Mutex
	devices  map[string]SimDevice
	scanStop chan struct{}
	closed   bool

	// Commands received, for inspection.
	Opens  []LockAction
	Closes []LockAction
}

// NewSimulator returns a Simulator serving the given devices.
func NewSimulator(devices []SimDevice, logger *slog.Logger) *Simulator {
	s := &Simulator{
		logger:  logger.With("component", "simulator"),
		devices: make(map[string]SimDevice, len(devices)),
	}
	for _, d := range devices {
		s.devices[strings.ToLower(d.MAC)] = d
	}
	return s
}

// SetDevice adds or replaces a simulated lock.
func (s *Simulator) SetDevice(d SimDevice) {
	s.mu.Lock()
	s.devices[strings.ToLower(d.MAC)] = d
	s.mu.Unlock()
}

// RemoveDevice drops a simulated lock.
func (s *Simulator) RemoveDevice(mac string) {
	s.mu.Lock()
	delete(s.devices, strings.ToLower(mac))
	s.mu.Unlock()
}

func (s *Simulator) StartScan(ctx context.Context, duration time.Duration, onResults func([]DiscoveredDevice)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.scanStop != nil {
		close(s.scanStop)
	}
	stop := make(chan struct{})
	s.scanStop = stop
	devices := make([]SimDevice, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	s.logger.Debug("scan started", "duration", duration, "devices", len(devices))
	for _, d := range devices {
		if d.AppearAfter >= duration {
			continue
		}
		dev := DiscoveredDevice{MAC: d.MAC, Name: d.Name, RSSI: d.RSSI}
		go func(delay time.Duration) {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
				onResults([]DiscoveredDevice{dev})
			case <-stop:
			}
		}(d.AppearAfter)
	}
	go func() {
		t := time.NewTimer(duration)
		defer t.Stop()
		select {
		case <-stop:
		case <-t.C:
			s.mu.Lock()
			if s.scanStop == stop {
				s.scanStop = nil
				close(stop)
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *Simulator) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	return nil
}

func (s *Simulator) OpenLock(ctx context.Context, action LockAction) (*Response, error) {
	return s.command(ctx, action, true)
}

func (s *Simulator) CloseLock(ctx context.Context, action LockAction) (*Response, error) {
	return s.command(ctx, action, false)
}

func (s *Simulator) command(ctx context.Context, action LockAction, open bool) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if open {
		s.Opens = append(s.Opens, action)
	} else {
		s.Closes = append(s.Closes, action)
	}

	d, ok := s.devices[strings.ToLower(action.Device.MAC)]
	if !ok {
		return nil, &StatusError{Cmd: cmdName(open), Status: dongleStatusNoLink, Message: "device out of range"}
	}
	if d.AuthCode != "" && d.AuthCode != action.AuthCode {
		return &Response{Status: dongleStatusAuthFailed, Message: "auth failed"}, nil
	}
	if (open && d.RejectOpen) || (!open && d.RejectClose) {
		return &Response{Status: dongleStatusRejected, Message: "rejected"}, nil
	}
	s.logger.Info("simulated lock command", "cmd", cmdName(open), "mac", action.Device.MAC)
	return &Response{Successful: true, Status: dongleStatusOK}, nil
}

func cmdName(open bool) string {
	if open {
		return dongleCmdName(dongleCmdOpenLock)
	}
	return dongleCmdName(dongleCmdCloseLock)
}

func (s *Simulator) Info() *Info {
	return &Info{Type: "simulator", Firmware: fmt.Sprintf("sim-%d-devices", s.deviceCount())}
}

func (s *Simulator) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	return nil
}
