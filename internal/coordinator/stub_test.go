package coordinator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"blelock-home/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubTransport is a scriptable transport.Transport.
type stubTransport struct {
	mu sync.Mutex

	scanErr     error
	busyScan    bool // refuse StartScan while a scan runs, like the dongle
	scanning    bool
	openBlock   chan struct{}
	onScan      func([]transport.DiscoveredDevice)
	scans       int
	stops       int
	openResp    *transport.Response
	openErr     error
	closeResp   *transport.Response
	closeErr    error
	opens       []transport.LockAction
	closes      []transport.LockAction
	closeCtxErr []error
}

var okResponse = &transport.Response{Successful: true}

func newStubTransport() *stubTransport {
	return &stubTransport{openResp: okResponse, closeResp: okResponse}
}

func (s *stubTransport) StartScan(ctx context.Context, d time.Duration, onResults func([]transport.DiscoveredDevice)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if s.scanErr != nil {
		return s.scanErr
	}
	if s.busyScan && s.scanning {
		return transport.ErrScanActive
	}
	s.scanning = true
	s.onScan = onResults
	return nil
}

func (s *stubTransport) StopScan() error {
	s.mu.Lock()
	s.stops++
	s.scanning = false
	s.onScan = nil
	s.mu.Unlock()
	return nil
}

// deliver reports devices through the latest scan callback.
func (s *stubTransport) deliver(devs ...transport.DiscoveredDevice) {
	s.mu.Lock()
	fn := s.onScan
	s.mu.Unlock()
	if fn != nil {
		fn(devs)
	}
}

func (s *stubTransport) OpenLock(ctx context.Context, a transport.LockAction) (*transport.Response, error) {
	if s.openBlock != nil {
		select {
		case <-s.openBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, a)
	return s.openResp, s.openErr
}

func (s *stubTransport) CloseLock(ctx context.Context, a transport.LockAction) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, a)
	s.closeCtxErr = append(s.closeCtxErr, ctx.Err())
	return s.closeResp, s.closeErr
}

func (s *stubTransport) Info() *transport.Info { return &transport.Info{Type: "stub"} }
func (s *stubTransport) Close() error          { return nil }

func (s *stubTransport) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens), len(s.closes)
}

// fastTiming keeps session tests in the millisecond range.
func fastTiming() Timing {
	return Timing{
		ScanDuration:    time.Second,
		ResolveAttempts: 5,
		ResolveInterval: 5 * time.Millisecond,
		CloseDelay:      40 * time.Millisecond,
	}
}
