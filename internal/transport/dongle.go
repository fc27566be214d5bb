package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.bug.st/serial"
)

// Default dongle settings.
const (
	defaultResponseTimeout    = 10 * time.Second
	defaultBreakerMaxFailures = 5
	defaultBreakerTimeout     = 30 * time.Second
)

// DongleConfig tunes request handling for a SerialDongle.
type DongleConfig struct {
	// ResponseTimeout bounds every request; the lock protocol itself has no
	// timeout of its own at this layer.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	// BreakerMaxFailures consecutive transport faults open the circuit.
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	// BreakerTimeout is how long the circuit stays open before a probe.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// SerialDongle implements Transport using a BLE radio dongle attached over a
// serial port (USB CDC ACM), speaking an HDLC-framed request/response protocol.
type SerialDongle struct {
	port     io.ReadWriteCloser
	portName string
	reader   *bufio.Reader
	logger   *slog.Logger
	cfg      DongleConfig
	breaker  *gobreaker.CircuitBreaker[*Response]

	// Request/response tracking keyed by TSN.
	tsn     atomic.Uint32
	pending map[uint8]chan *dongleFrame
	pendMu  sync.Mutex
	writeMu sync.Mutex

	// Active scan callback; nil when no scan is running. scanAcked is false
	// until the dongle acknowledges the ScanStart that installed onScan.
	scanMu    sync.RWMutex
	onScan    func([]DiscoveredDevice)
	scanGen   uint64
	scanAcked bool

	firmware atomic.Value // string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerialDongle opens the serial port and starts the frame reader.
func NewSerialDongle(portName string, baudRate int, cfg DongleConfig, logger *slog.Logger) (*SerialDongle, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial dongle: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the firmware starts talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	d := newDongle(port, portName, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.queryVersion(ctx); err != nil {
		d.logger.Warn("dongle version query failed", "err", err)
	}
	return d, nil
}

func newDongle(port io.ReadWriteCloser, portName string, cfg DongleConfig, logger *slog.Logger) *SerialDongle {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	d := &SerialDongle{
		port:     port,
		portName: portName,
		reader:   bufio.NewReader(port),
		logger:   logger.With("component", "dongle"),
		cfg:      cfg,
		pending:  make(map[uint8]chan *dongleFrame),
		done:     make(chan struct{}),
	}
	maxFailures := cfg.BreakerMaxFailures
	d.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "dongle:" + portName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the dongle's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	d.wg.Add(1)
	go d.readLoop()
	return d
}

func (d *SerialDongle) nextTSN() uint8 {
	return uint8(d.tsn.Add(1))
}

// request writes one request frame and waits for the response with the same TSN.
func (d *SerialDongle) request(ctx context.Context, cmd uint8, payload []byte) (*dongleFrame, error) {
	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ResponseTimeout)
	defer cancel()

	tsn := d.nextTSN()
	ch := make(chan *dongleFrame, 1)
	d.pendMu.Lock()
	d.pending[tsn] = ch
	d.pendMu.Unlock()
	defer func() {
		d.pendMu.Lock()
		delete(d.pending, tsn)
		d.pendMu.Unlock()
	}()

	f := &dongleFrame{Type: dongleRequest, TSN: tsn, Cmd: cmd, Payload: payload}
	d.writeMu.Lock()
	_, err := d.port.Write(f.encode())
	d.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dongle write %s: %w", dongleCmdName(cmd), err)
	}
	d.logger.Debug("dongle TX", "cmd", dongleCmdName(cmd), "tsn", tsn, "len", len(payload))

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		d.logger.Warn("dongle timeout", "cmd", dongleCmdName(cmd), "tsn", tsn, "err", ctx.Err())
		return nil, fmt.Errorf("dongle %s: %w", dongleCmdName(cmd), ctx.Err())
	case <-d.done:
		return nil, ErrClosed
	}
}

// StatusError is a dongle status that did not come from the lock itself.
type StatusError struct {
	Cmd     string
	Status  uint8
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dongle %s: %s: %s", e.Cmd, dongleStatusName(e.Status), e.Message)
	}
	return fmt.Sprintf("dongle %s: %s", e.Cmd, dongleStatusName(e.Status))
}

// call runs a request through the circuit breaker. Statuses that did not come
// from the lock itself (busy, no link, dongle error) are transport faults.
func (d *SerialDongle) call(ctx context.Context, cmd uint8, payload []byte) (*Response, error) {
	resp, err := d.breaker.Execute(func() (*Response, error) {
		f, err := d.request(ctx, cmd, payload)
		if err != nil {
			return nil, err
		}
		resp, err := parseResponse(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("dongle %s: %w", dongleCmdName(cmd), err)
		}
		if !isLockAnswer(resp.Status) {
			return nil, &StatusError{Cmd: dongleCmdName(cmd), Status: resp.Status, Message: resp.Message}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("dongle RX", "cmd", dongleCmdName(cmd), "status", dongleStatusName(resp.Status))
	return resp, nil
}

func (d *SerialDongle) queryVersion(ctx context.Context) error {
	resp, err := d.call(ctx, dongleCmdGetVersion, nil)
	if err != nil {
		return err
	}
	d.firmware.Store(resp.Message)
	d.logger.Info("dongle firmware", "version", resp.Message)
	return nil
}

// StartScan asks the dongle for a scan of the given duration. Results arrive
// as ScanResult indications until ScanDone or StopScan.
func (d *SerialDongle) StartScan(ctx context.Context, duration time.Duration, onResults func([]DiscoveredDevice)) error {
	ms := duration.Milliseconds()
	if ms <= 0 || ms > int64(^uint32(0)) {
		return fmt.Errorf("scan duration out of range: %s", duration)
	}

	d.scanMu.Lock()
	d.scanGen++
	gen := d.scanGen
	d.onScan = onResults
	d.scanAcked = false
	d.scanMu.Unlock()

	payload := binary.LittleEndian.AppendUint32(nil, uint32(ms))
	resp, err := d.call(ctx, dongleCmdScanStart, payload)
	if err == nil && !resp.Successful {
		err = fmt.Errorf("dongle ScanStart: %s", dongleStatusName(resp.Status))
	}
	if err != nil {
		d.clearScan(gen)
		var se *StatusError
		if errors.As(err, &se) && se.Status == dongleStatusBusy {
			return fmt.Errorf("%w: %w", ErrScanActive, err)
		}
		return err
	}

	d.scanMu.Lock()
	if d.scanGen == gen {
		d.scanAcked = true
	}
	d.scanMu.Unlock()
	return nil
}

// StopScan ends the current scan, if any.
func (d *SerialDongle) StopScan() error {
	d.scanMu.Lock()
	d.onScan = nil
	d.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ResponseTimeout)
	defer cancel()
	if _, err := d.call(ctx, dongleCmdScanStop, nil); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (d *SerialDongle) clearScan(gen uint64) {
	d.scanMu.Lock()
	if d.scanGen == gen {
		d.onScan = nil
	}
	d.scanMu.Unlock()
}

// OpenLock sends an authenticated open command.
func (d *SerialDongle) OpenLock(ctx context.Context, action LockAction) (*Response, error) {
	payload, err := buildLockPayload(action)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	return d.call(ctx, dongleCmdOpenLock, payload)
}

// CloseLock sends an authenticated close command.
func (d *SerialDongle) CloseLock(ctx context.Context, action LockAction) (*Response, error) {
	payload, err := buildLockPayload(action)
	if err != nil {
		return nil, fmt.Errorf("close lock: %w", err)
	}
	return d.call(ctx, dongleCmdCloseLock, payload)
}

// Info returns backend information.
func (d *SerialDongle) Info() *Info {
	fw, _ := d.firmware.Load().(string)
	return &Info{Type: "serial", Port: d.portName, Firmware: fw}
}

// Close stops the reader and closes the port. Safe to call multiple times.
func (d *SerialDongle) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.port.Close()
		d.wg.Wait()
	})
	return err
}

// --- Read loop ---

func (d *SerialDongle) readLoop() {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-d.done:
			return
		default:
		}

		inner, err := readHDLCFrame(d.reader)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				d.logger.Error("dongle read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-d.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		data, err := hdlcDecode(inner)
		if err != nil {
			d.logger.Warn("dongle frame decode error", "err", err)
			continue
		}
		f, err := decodeDongleFrame(data)
		if err != nil {
			d.logger.Warn("dongle frame decode error", "err", err)
			continue
		}

		switch f.Type {
		case dongleResponse:
			d.pendMu.Lock()
			ch, ok := d.pending[f.TSN]
			d.pendMu.Unlock()
			if !ok {
				d.logger.Warn("dongle orphaned response (too late)", "cmd", dongleCmdName(f.Cmd), "tsn", f.TSN)
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case dongleIndication:
			d.handleIndication(f)
		default:
			d.logger.Warn("dongle unexpected frame type", "type", f.Type, "cmd", dongleCmdName(f.Cmd))
		}
	}
}

func (d *SerialDongle) handleIndication(f *dongleFrame) {
	switch f.Cmd {
	case dongleIndScanResult:
		devices, err := parseScanResults(f.Payload)
		if err != nil {
			d.logger.Warn("dongle scan result", "err", err, "parsed", len(devices))
		}
		d.scanMu.RLock()
		onScan := d.onScan
		d.scanMu.RUnlock()
		if onScan != nil && len(devices) > 0 {
			onScan(devices)
		}
	case dongleIndScanDone:
		// A ScanDone seen before the current ScanStart is acknowledged ends
		// the previous scan, not this one.
		d.scanMu.Lock()
		current := d.scanAcked
		if current {
			d.onScan = nil
		}
		d.scanMu.Unlock()
		d.logger.Debug("dongle scan done", "current", current)
	default:
		d.logger.Warn("dongle unknown indication", "cmd", dongleCmdName(f.Cmd))
	}
}
