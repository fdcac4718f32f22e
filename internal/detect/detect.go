// Package detect scans serial ports for a device speaking the bootloader
// protocol, driving each attempt through loader.Session.Connect rather
// than hand-rolling its own sync loop.
package detect

import (
	"fmt"

	"github.com/bigbag/esp-flasher/internal/loader"
	"github.com/bigbag/esp-flasher/internal/port"
	"github.com/bigbag/esp-flasher/internal/target"
)

// Result describes a device found on a serial port.
type Result struct {
	Port   string
	Target target.Identity

	// ChipID is a secondary identity source from GET_SECURITY_INFO, nil on
	// targets that don't implement the command (ESP8266, ESP32, or a chip
	// that simply didn't answer).
	ChipID *uint32
}

// trialsPerPort is kept small: a port with nothing listening should not
// stall a full scan waiting out the usual ten-attempt sync budget.
const trialsPerPort = 3

// DetectDevice scans every available serial port and returns the first
// one that answers the bootloader sync sequence.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := port.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("detect: list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("detect: no serial ports found")
	}

	var lastErr error
	for _, name := range ports {
		result, err := DetectOnPort(name, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("detect: no device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("detect: no device found")
}

// DetectOnPort attempts to connect to the bootloader on a single named
// port and reports which chip family answered.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	p, err := port.Open(portName, baudRate)
	if err != nil {
		return nil, fmt.Errorf("detect: open %s: %w", portName, err)
	}
	defer p.Close()

	sess := loader.NewSession(p)
	if err := sess.Connect(trialsPerPort, loader.DefaultTimeout/2); err != nil {
		return nil, fmt.Errorf("detect: %s: %w", portName, err)
	}

	result := &Result{Port: portName, Target: sess.Target()}
	if info, err := sess.SecurityInfo(); err == nil {
		result.ChipID = &info.ChipID
	}
	return result, nil
}

// ListDevices scans every available serial port and returns every one
// that answers, instead of stopping at the first match.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := port.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("detect: list ports: %w", err)
	}

	var results []Result
	for _, name := range ports {
		result, err := DetectOnPort(name, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}
	return results, nil
}
