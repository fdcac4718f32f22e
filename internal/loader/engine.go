// Package loader is the protocol engine and session manager for the ROM
// bootloader wire protocol: SLIP-framed request/response dialogue, chip
// detection, streaming flash/RAM writes, digest verification, and the
// indirect SPI flash command used to probe the target's flash chip.
package loader

import (
	"fmt"
	"time"

	"github.com/bigbag/esp-flasher/internal/protocol"
	"github.com/bigbag/esp-flasher/internal/slip"
)

// Port is the transport contract the engine drives. port.Serial and
// port.RawSerial both satisfy it structurally.
type Port interface {
	EnterBootloader() error
	ResetTarget() error
	StartTimer(d time.Duration)
	DelayMs(ms uint32)
	Send(data []byte) error
	ReceiveByte() (byte, error)
	DebugPrint(msg string)
}

// Default timeouts, named after esp_loader.c's constants of the same
// shape (values in milliseconds there; time.Duration here).
const (
	DefaultTimeout          = 1000 * time.Millisecond
	DefaultFlashTimeout     = 3000 * time.Millisecond
	EraseRegionTimeoutPerMB = 10000 * time.Millisecond
	LoadRAMTimeoutPerMB     = 2000000 * time.Millisecond
	MD5TimeoutPerMB         = 8000 * time.Millisecond
)

// timeoutPerMB scales a per-megabyte budget by size, floored at
// DefaultFlashTimeout so small transfers still get a reasonable window.
func timeoutPerMB(size uint32, perMB time.Duration) time.Duration {
	mb := float64(size) / (1024 * 1024)
	scaled := time.Duration(float64(perMB) * mb)
	if scaled < DefaultFlashTimeout {
		return DefaultFlashTimeout
	}
	return scaled
}

// Engine holds the port a session drives its dialogue over. It has no
// state of its own beyond the transport; sequence numbers, current target,
// and streaming state live on Session.
type Engine struct {
	port      Port
	statusLen int
}

// NewEngine wraps port for the protocol dialogue. statusTailLen is 2 or 4,
// per the connected target's ROM revision, and can be changed with
// SetStatusTailLen once chip detection completes.
func NewEngine(p Port, statusTailLen int) *Engine {
	return &Engine{port: p, statusLen: statusTailLen}
}

// SetStatusTailLen updates the response status tail length once the
// connected target's identity is known.
func (e *Engine) SetStatusTailLen(n int) {
	e.statusLen = n
}

const maxFrameSize = 64*1024 + 64

// exchange sends a command with no separate data buffer (and a zero
// checksum field, as every non-data command carries) and waits for
// expectedReplyCount matching frames, returning the first frame whose
// opcode matches the request; if that frame's status reports failure, the
// error is ErrInvalidResponse. Frames with a mismatched opcode or direction
// are silently dropped and reading continues: they're either a stale reply
// to an earlier retried command or unsolicited target noise.
func (e *Engine) exchange(cmd byte, data []byte, expectedReplyCount int) (*protocol.Response, error) {
	req := &protocol.Request{Command: cmd, Data: data}
	if err := e.port.Send(slip.Encode(req.Encode())); err != nil {
		return nil, fmt.Errorf("loader: send command 0x%02X: %w", cmd, err)
	}
	return e.awaitReply(cmd, expectedReplyCount)
}

// exchangeWithData sends header immediately followed by raw as one SLIP
// frame. The two buffers are copied into a single payload slice before
// encoding; the copy is not avoided.
func (e *Engine) exchangeWithData(cmd byte, header, raw []byte, checksum uint32, expectedReplyCount int) (*protocol.Response, error) {
	payload := make([]byte, 0, len(header)+len(raw))
	payload = append(payload, header...)
	payload = append(payload, raw...)
	req := &protocol.Request{Command: cmd, Data: payload, Checksum: checksum}

	if err := e.port.Send(slip.Encode(req.Encode())); err != nil {
		return nil, fmt.Errorf("loader: send command 0x%02X: %w", cmd, err)
	}
	return e.awaitReply(cmd, expectedReplyCount)
}

func (e *Engine) awaitReply(cmd byte, expectedReplyCount int) (*protocol.Response, error) {
	buf := make([]byte, maxFrameSize)
	var first *protocol.Response
	var firstErr error

	for received := 0; received < expectedReplyCount; {
		n, err := slip.ReadPacket(e.port, buf)
		if err != nil {
			if first != nil {
				break
			}
			return nil, translatePortError(err)
		}

		resp, err := protocol.DecodeResponse(buf[:n], e.statusLen)
		if err != nil {
			continue
		}
		if resp.Command != cmd {
			continue
		}
		received++
		if first == nil {
			first = resp
			if !resp.IsSuccess() {
				e.port.DebugPrint(fmt.Sprintf("command 0x%02X failed: %s", cmd, resp.ErrorString()))
				firstErr = fmt.Errorf("%w: %s", ErrInvalidResponse, resp.ErrorString())
			}
		}
	}

	if first == nil {
		return nil, ErrTimeout
	}
	return first, firstErr
}

func translatePortError(err error) error {
	return fmt.Errorf("%w: %v", ErrTimeout, err)
}
