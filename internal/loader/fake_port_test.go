package loader

import (
	"time"

	"github.com/bigbag/esp-flasher/internal/protocol"
	"github.com/bigbag/esp-flasher/internal/slip"
)

// fakePort is an in-memory loopback Port: it decodes whatever the session
// sends and hands scripted reply frames back through ReceiveByte, one byte
// at a time, the same shape a real serial line delivers them in.
type fakePort struct {
	deadline time.Time

	sent    [][]byte // decoded request payloads, in order
	replyRx []byte   // remaining bytes of the reply stream not yet consumed

	// respond, when set, is called after each Send to script the next
	// reply frame(s) based on what was just sent.
	respond func(sent []byte) []byte

	debugLines []string
}

func newFakePort() *fakePort {
	return &fakePort{}
}

func (f *fakePort) EnterBootloader() error { return nil }
func (f *fakePort) ResetTarget() error     { return nil }
func (f *fakePort) StartTimer(d time.Duration) {
	f.deadline = time.Now().Add(d)
}
func (f *fakePort) DelayMs(ms uint32) {}

func (f *fakePort) Send(data []byte) error {
	decoded := slip.Decode(data)
	f.sent = append(f.sent, decoded)
	if f.respond != nil {
		f.replyRx = append(f.replyRx, f.respond(decoded)...)
	}
	return nil
}

func (f *fakePort) ReceiveByte() (byte, error) {
	if len(f.replyRx) == 0 {
		return 0, ErrTimeout
	}
	b := f.replyRx[0]
	f.replyRx = f.replyRx[1:]
	return b, nil
}

func (f *fakePort) DebugPrint(msg string) {
	f.debugLines = append(f.debugLines, msg)
}

// frame builds one SLIP-encoded successful response for cmd carrying value
// and extra as the body ahead of a 2-byte status tail.
func frame(cmd byte, value uint32, extra []byte) []byte {
	body := append(append([]byte{}, extra...), 0x00, 0x00) // failed=0, error=0
	resp := &protocol.Response{}
	_ = resp
	req := &protocol.Request{Command: cmd, Data: body}
	packet := req.Encode()
	// Encode() writes the request direction; overwrite to response and
	// stash value in header bytes 4:8 like a real response would.
	packet[0] = protocol.DirResponse
	packet[4] = byte(value)
	packet[5] = byte(value >> 8)
	packet[6] = byte(value >> 16)
	packet[7] = byte(value >> 24)
	return slip.Encode(packet)
}
