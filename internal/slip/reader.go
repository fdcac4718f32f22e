package slip

import "errors"

// ErrBufferTooSmall is returned by ReadPacket when a frame does not fit buf.
var ErrBufferTooSmall = errors.New("slip: packet larger than buffer")

// ByteReceiver is the minimal transport capability ReadPacket needs: one byte
// at a time, honoring whatever deadline the caller last armed. port.Serial
// satisfies this without slip importing the port package.
type ByteReceiver interface {
	ReceiveByte() (byte, error)
}

// ReadPacket reassembles one SLIP frame from r, unescaping as it goes, and
// returns the number of decoded bytes written into buf. Leading End bytes
// (idle-line filler) are skipped before the frame proper starts. Every byte
// read from r is subject to whatever deadline the caller armed on it, so a
// stalled or absent transmitter surfaces as r's own timeout error.
func ReadPacket(r ByteReceiver, buf []byte) (int, error) {
	b, err := skipIdle(r)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		switch b {
		case End:
			return n, nil
		case Esc:
			b, err = r.ReceiveByte()
			if err != nil {
				return 0, err
			}
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			}
		}

		if n >= len(buf) {
			return 0, ErrBufferTooSmall
		}
		buf[n] = b
		n++

		b, err = r.ReceiveByte()
		if err != nil {
			return 0, err
		}
	}
}

func skipIdle(r ByteReceiver) (byte, error) {
	for {
		b, err := r.ReceiveByte()
		if err != nil {
			return 0, err
		}
		if b != End {
			return b, nil
		}
	}
}
