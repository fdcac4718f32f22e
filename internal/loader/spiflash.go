package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/esp-flasher/internal/target"
)

// SPI USR register bit masks, shared across every target in the table.
const (
	usrCmdBit  = 1 << 31
	usrMisoBit = 1 << 28
	usrMosiBit = 1 << 27
	cmdUsrBit  = 1 << 18
	usr2OpcodeShift = 0
	usr2LenShift    = 28
)

// jedecReadID is the standard SPI flash opcode for reading manufacturer +
// capacity ID.
const jedecReadID = 0x9F

// spiFlashCommand drives the target's SPI controller directly to issue a
// raw flash-chip command, exactly the sequence a host would perform if it
// owned the SPI bus itself: stash the controller's state, program the
// transaction, kick it off, wait, then restore.
//
// rxBits must fit in one 32-bit word (rxBits<=32) and txBytes must fit the
// 16-word FIFO the ROM exposes at W0 (txBytes<=64); anything larger is a
// caller bug, surfaced as ErrInvalidParam rather than a panic.
func (s *Session) spiFlashCommand(opcode byte, tx []byte, rxBits int) (uint32, error) {
	if rxBits > 32 {
		return 0, fmt.Errorf("%w: rx size %d bits exceeds 32", ErrInvalidParam, rxBits)
	}
	if len(tx) > 64 {
		return 0, fmt.Errorf("%w: tx size %d bytes exceeds 64", ErrInvalidParam, len(tx))
	}

	regs := s.target.Registers

	oldUsr, err := s.ReadReg(regs.USR)
	if err != nil {
		return 0, fmt.Errorf("loader: save USR: %w", err)
	}
	oldUsr2, err := s.ReadReg(regs.USR2)
	if err != nil {
		return 0, fmt.Errorf("loader: save USR2: %w", err)
	}

	txBits := len(tx) * 8
	if err := s.setSPIDataLengths(txBits, rxBits); err != nil {
		return 0, err
	}

	usr := uint32(usrCmdBit)
	if rxBits > 0 {
		usr |= usrMisoBit
	}
	if txBits > 0 {
		usr |= usrMosiBit
	}
	if err := s.WriteReg(regs.USR, usr, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("loader: program USR: %w", err)
	}

	usr2 := uint32(7)<<usr2LenShift | uint32(opcode)<<usr2OpcodeShift
	if err := s.WriteReg(regs.USR2, usr2, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("loader: program USR2: %w", err)
	}

	if txBits == 0 {
		if err := s.WriteReg(regs.W0, 0, 0xFFFFFFFF, 0); err != nil {
			return 0, fmt.Errorf("loader: clear W0: %w", err)
		}
	} else {
		words := make([]byte, (len(tx)+3)&^3)
		copy(words, tx)
		for i := 0; i*4 < len(words); i++ {
			w := binary.LittleEndian.Uint32(words[i*4 : i*4+4])
			if err := s.WriteReg(regs.W0+uint32(i*4), w, 0xFFFFFFFF, 0); err != nil {
				return 0, fmt.Errorf("loader: write W0+%d: %w", i*4, err)
			}
		}
	}

	if err := s.WriteReg(regs.CMD, cmdUsrBit, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("loader: kick CMD_USR: %w", err)
	}

	settled := false
	for i := 0; i < 10; i++ {
		v, err := s.ReadReg(regs.CMD)
		if err != nil {
			return 0, fmt.Errorf("loader: poll CMD: %w", err)
		}
		if v&cmdUsrBit == 0 {
			settled = true
			break
		}
	}
	if !settled {
		return 0, ErrTimeout
	}

	rx, err := s.ReadReg(regs.W0)
	if err != nil {
		return 0, fmt.Errorf("loader: read W0: %w", err)
	}

	if err := s.WriteReg(regs.USR, oldUsr, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("loader: restore USR: %w", err)
	}
	if err := s.WriteReg(regs.USR2, oldUsr2, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("loader: restore USR2: %w", err)
	}

	return rx, nil
}

// setSPIDataLengths programs the TX/RX bit-length fields the SPI
// controller reads before a transaction. ESP8266 packs both lengths into
// USR1; every later target has dedicated MOSI_DLEN/MISO_DLEN registers.
func (s *Session) setSPIDataLengths(mosiBits, misoBits int) error {
	regs := s.target.Registers

	if s.target.ID == target.ESP8266 {
		var v uint32
		if misoBits > 0 {
			v |= uint32(misoBits-1) << 8
		}
		if mosiBits > 0 {
			v |= uint32(mosiBits-1) << 17
		}
		return s.WriteReg(regs.USR1, v, 0xFFFFFFFF, 0)
	}

	if mosiBits > 0 {
		if err := s.WriteReg(regs.MOSIDlen, uint32(mosiBits-1), 0xFFFFFFFF, 0); err != nil {
			return fmt.Errorf("loader: set MOSI_DLEN: %w", err)
		}
	}
	if misoBits > 0 {
		if err := s.WriteReg(regs.MISODlen, uint32(misoBits-1), 0xFFFFFFFF, 0); err != nil {
			return fmt.Errorf("loader: set MISO_DLEN: %w", err)
		}
	}
	return nil
}

// detectFlashSize issues a JEDEC read-ID and derives the flash chip's
// capacity from the returned size-class byte. Valid classes are
// [0x12, 0x18], representing 256 KiB .. 16 MiB chip families in the JEDEC
// convention (size = 1<<class bytes).
func (s *Session) detectFlashSize() (uint32, error) {
	id, err := s.spiFlashCommand(jedecReadID, nil, 24)
	if err != nil {
		return 0, fmt.Errorf("loader: probe flash ID: %w", err)
	}

	sizeClass := byte(id >> 16)
	if sizeClass < 0x12 || sizeClass > 0x18 {
		return 0, fmt.Errorf("%w: JEDEC size class 0x%02X out of range", ErrUnsupportedChip, sizeClass)
	}
	return 1 << sizeClass, nil
}
