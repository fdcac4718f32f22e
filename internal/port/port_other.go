//go:build !linux

package port

import (
	"errors"
	"log/slog"
	"time"
)

// RawSerial is a stub on platforms without a raw termios backend; OpenRaw
// always fails, steering callers to Serial instead.
type RawSerial struct{}

// OpenRaw always fails on non-Linux platforms.
func OpenRaw(portName string, baudRate int) (*RawSerial, error) {
	return nil, errors.New("port: raw serial backend not supported on this platform")
}

func (r *RawSerial) SetLogger(l *slog.Logger)              {}
func (r *RawSerial) Reconfigure(baudRate int) error         { return errUnsupported }
func (r *RawSerial) Close() error                          { return errUnsupported }
func (r *RawSerial) StartTimer(d time.Duration)             {}
func (r *RawSerial) DelayMs(ms uint32)                      {}
func (r *RawSerial) Send(data []byte) error                 { return errUnsupported }
func (r *RawSerial) ReceiveByte() (byte, error)             { return 0, errUnsupported }
func (r *RawSerial) DebugPrint(msg string)                  {}
func (r *RawSerial) SetDTR(v bool) error                    { return errUnsupported }
func (r *RawSerial) SetRTS(v bool) error                    { return errUnsupported }
func (r *RawSerial) Flush() error                           { return errUnsupported }
func (r *RawSerial) EnterBootloader() error                 { return errUnsupported }
func (r *RawSerial) ResetTarget() error                     { return errUnsupported }
func (r *RawSerial) PortName() string                       { return "" }
func (r *RawSerial) BaudRate() int                          { return 0 }

var errUnsupported = errors.New("port: raw serial backend not supported on this platform")
