package flasher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/esp-flasher/internal/loader"
	"github.com/bigbag/esp-flasher/internal/protocol"
	"github.com/bigbag/esp-flasher/internal/slip"
)

// fakePort is an in-memory loopback loader.Port: it decodes whatever the
// session sends and scripts a reply based on the opcode, the same shape a
// real device's bootloader replies follow.
type fakePort struct {
	sent    [][]byte
	replyRx []byte
	respond func(sent []byte) []byte
}

func (f *fakePort) EnterBootloader() error   { return nil }
func (f *fakePort) ResetTarget() error       { return nil }
func (f *fakePort) StartTimer(time.Duration) {}
func (f *fakePort) DelayMs(uint32)           {}
func (f *fakePort) DebugPrint(string)        {}

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
		return 0, loader.ErrTimeout
	}
	b := f.replyRx[0]
	f.replyRx = f.replyRx[1:]
	return b, nil
}

func frame(cmd byte, value uint32) []byte {
	req := &protocol.Request{Command: cmd, Data: []byte{0x00, 0x00}}
	packet := req.Encode()
	packet[0] = protocol.DirResponse
	packet[4] = byte(value)
	packet[5] = byte(value >> 8)
	packet[6] = byte(value >> 16)
	packet[7] = byte(value >> 24)
	return slip.Encode(packet)
}

const esp32MagicValue = 0x00f01d83

// connectedSession drives a real Session.Connect against a scripted ESP32
// handshake (sync, chip-magic read, SPI attach), then hands post-connect
// traffic to extra so each test only scripts the commands it cares about.
func connectedSession(t *testing.T, extra func(sent []byte) []byte) (*loader.Session, *fakePort) {
	t.Helper()
	fp := &fakePort{}
	fp.respond = func(sent []byte) []byte {
		switch sent[1] {
		case protocol.CmdSync:
			return frame(protocol.CmdSync, 0)
		case protocol.CmdReadReg:
			return frame(protocol.CmdReadReg, esp32MagicValue)
		case protocol.CmdSpiAttach:
			return frame(protocol.CmdSpiAttach, 0)
		}
		if extra != nil {
			return extra(sent)
		}
		return nil
	}

	sess := loader.NewSession(fp)
	require.NoError(t, sess.Connect(1, 0))
	fp.sent = nil // discard handshake traffic so tests only see their own frames
	return sess, fp
}

func TestFlashImage_StreamsSingleRegion(t *testing.T) {
	sess, fp := connectedSession(t, func(sent []byte) []byte {
		switch sent[1] {
		case protocol.CmdSpiSetParams, protocol.CmdFlashBegin, protocol.CmdFlashData, protocol.CmdFlashEnd:
			return frame(sent[1], 0)
		}
		return nil
	})
	f := New(sess)

	var progressCalls []int
	f.SetProgressCallback(func(current, total int) {
		progressCalls = append(progressCalls, current)
	})

	data := make([]byte, flashBlockSize*2+100)
	region := FlashRegion{Address: 0x10000, Data: data, Name: "firmware"}
	require.NoError(t, f.FlashImage(region, false))

	assert.NotEmpty(t, progressCalls)
	assert.Equal(t, 3, progressCalls[len(progressCalls)-1])

	dataFrames := 0
	for _, s := range fp.sent {
		if s[1] == protocol.CmdFlashData {
			dataFrames++
		}
	}
	assert.Equal(t, 3, dataFrames)
}

func TestFlashMultiple_TracksProgressAcrossRegions(t *testing.T) {
	sess, _ := connectedSession(t, func(sent []byte) []byte {
		switch sent[1] {
		case protocol.CmdSpiSetParams, protocol.CmdFlashBegin, protocol.CmdFlashData, protocol.CmdFlashEnd:
			return frame(sent[1], 0)
		}
		return nil
	})
	f := New(sess)

	regions := []FlashRegion{
		{Address: 0x0000, Data: make([]byte, flashBlockSize), Name: "bootloader"},
		{Address: 0x10000, Data: make([]byte, flashBlockSize*2), Name: "firmware"},
	}

	var last int
	f.SetProgressCallback(func(current, total int) { last = current })

	require.NoError(t, f.FlashMultiple(regions, false))
	assert.Equal(t, 3, last)
}

func TestFlashImage_PropagatesFlashBeginFailure(t *testing.T) {
	sess, _ := connectedSession(t, nil)
	f := New(sess)

	err := f.FlashImage(FlashRegion{Address: 0, Data: make([]byte, 10)}, false)
	assert.Error(t, err)
}

func TestFlashImage_CompressedRegionUsesDeflVariants(t *testing.T) {
	sess, fp := connectedSession(t, func(sent []byte) []byte {
		switch sent[1] {
		case protocol.CmdSpiSetParams, protocol.CmdFlashDeflBegin, protocol.CmdFlashDeflData, protocol.CmdFlashDeflEnd:
			return frame(sent[1], 0)
		}
		return nil
	})
	f := New(sess)

	compressed := make([]byte, 300)
	region := FlashRegion{
		Address:          0x10000,
		Data:             compressed,
		Name:             "firmware",
		Compressed:       true,
		UncompressedSize: 4096,
	}
	require.NoError(t, f.FlashImage(region, false))

	var beginFrame, dataFrame []byte
	for _, s := range fp.sent {
		switch s[1] {
		case protocol.CmdFlashDeflBegin:
			beginFrame = s
		case protocol.CmdFlashDeflData:
			dataFrame = s
		case protocol.CmdFlashBegin, protocol.CmdFlashData, protocol.CmdFlashEnd:
			t.Fatalf("expected only deflate-variant commands, got raw opcode 0x%02X", s[1])
		}
	}
	require.NotNil(t, beginFrame)
	require.NotNil(t, dataFrame)
}
