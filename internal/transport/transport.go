// Package transport defines the interface for the BLE lock radio backend.
// Backends: SerialDongle (HDLC-framed BLE dongle over USB CDC ACM) and
// Simulator (in-memory locks for development).
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by every operation once the transport is closed.
	ErrClosed = errors.New("transport closed")
	// ErrScanActive is returned when the backend refuses a scan because one is running.
	ErrScanActive = errors.New("scan already active")
)

// Transport is the abstract interface for a BLE lock radio.
// All methods must be safe for concurrent use.
type Transport interface {
	// StartScan begins a discovery session that ends by itself after duration.
	// onResults is called for every batch of devices the radio reports; it may
	// be called from any goroutine.
	StartScan(ctx context.Context, duration time.Duration, onResults func([]DiscoveredDevice)) error
	StopScan() error

	// OpenLock and CloseLock issue one authenticated command. A non-nil error
	// is a transport fault; a response with Successful=false is a rejection
	// reported by the lock.
	OpenLock(ctx context.Context, action LockAction) (*Response, error)
	CloseLock(ctx context.Context, action LockAction) (*Response, error)

	// Info
	Info() *Info

	// Lifecycle
	Close() error
}

// Info holds backend/firmware information.
type Info struct {
	Type     string `json:"type"`
	Port     string `json:"port,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// DiscoveredDevice is one advertisement seen during a scan.
type DiscoveredDevice struct {
	MAC  string `json:"mac"`
	Name string `json:"name,omitempty"`
	RSSI int8   `json:"rssi"`
}

// LockAction carries the authentication material for one lock command.
type LockAction struct {
	Device          DiscoveredDevice
	AESKey          string
	AuthCode        string
	KeyGroupID      uint32
	ProtocolVersion uint8
}

// Response is the lock's answer to a command.
type Response struct {
	Successful bool   `json:"successful"`
	Status     uint8  `json:"status"`
	Message    string `json:"message,omitempty"`
}
