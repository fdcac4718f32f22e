// Package port implements the transport contract the loader drives: byte
// I/O, an armed deadline, and the DTR/RTS reset strap that puts a target
// into its ROM bootloader.
package port

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// ErrTimeout is returned by ReceiveByte when the armed deadline elapses
// before a byte arrives.
var ErrTimeout = errors.New("port: timed out waiting for byte")

// pollInterval bounds how long a single underlying Read blocks while
// ReceiveByte re-checks the armed deadline. Shorter than any deadline this
// driver arms, so the deadline is honored to within one interval.
const pollInterval = 20 * time.Millisecond

// Serial is a go.bug.st/serial transport with the armed-deadline byte
// interface the loader needs, plus the reset strap that drives a target's
// EN/GPIO0 pins into bootloader mode.
type Serial struct {
	port     serial.Port
	portName string
	baudRate int
	deadline time.Time
	logger   *slog.Logger
}

// Open opens portName at baudRate with 8N1 framing.
func Open(portName string, baudRate int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("port: open %s: %w", portName, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("port: set read timeout: %w", err)
	}

	return &Serial{
		port:     p,
		portName: portName,
		baudRate: baudRate,
		logger:   slog.Default(),
	}, nil
}

// SetLogger swaps the sink DebugPrint writes to. A nil logger discards
// debug output.
func (s *Serial) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Close releases the underlying port.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

// StartTimer arms an absolute deadline d from now. Every subsequent
// ReceiveByte honors it until the next StartTimer call replaces it.
func (s *Serial) StartTimer(d time.Duration) {
	s.deadline = time.Now().Add(d)
}

// DelayMs blocks the calling goroutine for ms milliseconds. Unlike port
// I/O, this is not subject to the armed deadline.
func (s *Serial) DelayMs(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Send writes data to the port in one call.
func (s *Serial) Send(data []byte) error {
	_, err := s.port.Write(data)
	if err != nil {
		return fmt.Errorf("port: write: %w", err)
	}
	return nil
}

// ReceiveByte reads a single byte, polling in short slices so the armed
// deadline is honored even though go.bug.st/serial has no per-call deadline
// parameter of its own.
func (s *Serial) ReceiveByte() (byte, error) {
	var buf [1]byte
	for {
		remaining := time.Until(s.deadline)
		if !s.deadline.IsZero() && remaining <= 0 {
			return 0, ErrTimeout
		}

		n, err := s.port.Read(buf[:])
		if err != nil {
			return 0, fmt.Errorf("port: read: %w", err)
		}
		if n == 1 {
			return buf[0], nil
		}
		if s.deadline.IsZero() {
			continue
		}
	}
}

// DebugPrint sends a diagnostic line to the attached logger at debug level.
func (s *Serial) DebugPrint(msg string) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, "port", s.portName)
}

// SetDTR sets the DTR line.
func (s *Serial) SetDTR(v bool) error { return s.port.SetDTR(v) }

// SetRTS sets the RTS line.
func (s *Serial) SetRTS(v bool) error { return s.port.SetRTS(v) }

// Flush discards any buffered input.
func (s *Serial) Flush() error { return s.port.ResetInputBuffer() }

// EnterBootloader drives the classic auto-reset circuit's DTR/RTS sequence
// found on most ESP32 dev boards, leaving the target in ROM bootloader mode
// with GPIO0 released.
//
// Signal polarities are inverted by the board's transistor drivers: RTS
// true asserts EN (reset), DTR true asserts GPIO0 (boot select).
func (s *Serial) EnterBootloader() error {
	steps := []struct {
		rts, dtr bool
		hold     time.Duration
	}{
		{rts: true, dtr: false, hold: 100 * time.Millisecond},  // assert EN
		{rts: false, dtr: true, hold: 50 * time.Millisecond},   // release EN, assert GPIO0
		{rts: false, dtr: false, hold: 50 * time.Millisecond},  // release GPIO0
		{rts: false, dtr: false, hold: 0},                      // release everything
	}
	for _, st := range steps {
		if err := s.SetRTS(st.rts); err != nil {
			return fmt.Errorf("port: set RTS: %w", err)
		}
		if err := s.SetDTR(st.dtr); err != nil {
			return fmt.Errorf("port: set DTR: %w", err)
		}
		if st.hold > 0 {
			time.Sleep(st.hold)
		}
	}

	s.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// ResetTarget pulls EN low and releases it without touching GPIO0, booting
// whatever image is already in flash.
func (s *Serial) ResetTarget() error {
	if err := s.SetRTS(true); err != nil {
		return fmt.Errorf("port: set RTS: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.SetRTS(false); err != nil {
		return fmt.Errorf("port: set RTS: %w", err)
	}
	return nil
}

// Reconfigure changes the local baud rate to match a CHANGE_BAUDRATE
// command already acknowledged by the target.
func (s *Serial) Reconfigure(baudRate int) error {
	if err := s.port.SetMode(&serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}); err != nil {
		return fmt.Errorf("port: reconfigure to %d baud: %w", baudRate, err)
	}
	s.baudRate = baudRate
	return nil
}

// PortName returns the OS device path this port was opened on.
func (s *Serial) PortName() string { return s.portName }

// BaudRate returns the last baud rate this port was configured to.
func (s *Serial) BaudRate() int { return s.baudRate }

// ListPorts enumerates OS-visible serial device paths.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("port: list ports: %w", err)
	}
	return ports, nil
}
