package slip

import (
	"bytes"
	"errors"
	"testing"
)

// fakeReceiver replays a fixed byte sequence, one ReceiveByte() call at a time.
type fakeReceiver struct {
	data []byte
	pos  int
}

func (f *fakeReceiver) ReceiveByte() (byte, error) {
	if f.pos >= len(f.data) {
		return 0, errors.New("fakeReceiver: exhausted")
	}
	b := f.data[f.pos]
	f.pos++
	return b, nil
}

func TestReadPacket_SimpleFrame(t *testing.T) {
	frame := Encode([]byte{0x01, 0x02, 0x03})
	buf := make([]byte, 64)
	n, err := ReadPacket(&fakeReceiver{data: frame}, buf)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{0x01, 0x02, 0x03}) {
		t.Errorf("ReadPacket() = %v, want %v", buf[:n], []byte{0x01, 0x02, 0x03})
	}
}

func TestReadPacket_EscapedBytes(t *testing.T) {
	payload := []byte{End, Esc, 0x05}
	frame := Encode(payload)
	buf := make([]byte, 64)
	n, err := ReadPacket(&fakeReceiver{data: frame}, buf)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("ReadPacket() = %v, want %v", buf[:n], payload)
	}
}

func TestReadPacket_SkipsLeadingIdleBytes(t *testing.T) {
	frame := append([]byte{End, End, End}, Encode([]byte{0xAA})...)
	buf := make([]byte, 64)
	n, err := ReadPacket(&fakeReceiver{data: frame}, buf)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{0xAA}) {
		t.Errorf("ReadPacket() = %v, want %v", buf[:n], []byte{0xAA})
	}
}

func TestReadPacket_TwoFramesBackToBack(t *testing.T) {
	frame1 := Encode([]byte{0x01})
	frame2 := Encode([]byte{0x02})
	recv := &fakeReceiver{data: append(append([]byte{}, frame1...), frame2...)}

	buf := make([]byte, 64)
	n, err := ReadPacket(recv, buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0x01}) {
		t.Fatalf("first ReadPacket() = %v, %v", buf[:n], err)
	}

	n, err = ReadPacket(recv, buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0x02}) {
		t.Fatalf("second ReadPacket() = %v, %v", buf[:n], err)
	}
}

func TestReadPacket_BufferTooSmall(t *testing.T) {
	frame := Encode([]byte{0x01, 0x02, 0x03, 0x04})
	buf := make([]byte, 2)
	_, err := ReadPacket(&fakeReceiver{data: frame}, buf)
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("ReadPacket() error = %v, want ErrBufferTooSmall", err)
	}
}

func TestReadPacket_PropagatesReceiverError(t *testing.T) {
	buf := make([]byte, 64)
	_, err := ReadPacket(&fakeReceiver{data: nil}, buf)
	if err == nil {
		t.Error("ReadPacket() expected error on exhausted receiver, got nil")
	}
}
