package loader

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/bigbag/esp-flasher/internal/protocol"
	"github.com/bigbag/esp-flasher/internal/target"
)

// state is the session's position in IDLE -> CONNECTED ->
// {FLASH_STREAMING|MEM_STREAMING} -> CONNECTED lifecycle.
type state int

const (
	stateIdle state = iota
	stateConnected
	stateFlashStreaming
	stateMemStreaming
)

// Session is a single dialogue with one connected target over one port. It
// is an explicit owned value, never package-level state: nothing prevents
// a caller from driving two Sessions against two ports from separate
// goroutines, each internally single-threaded.
type Session struct {
	engine *Engine
	port   Port

	state  state
	target *target.Profile

	flashWriteSize uint32
	sequenceNumber uint32
	startAddress   uint32
	imageSize      uint32
	digest         hash.Hash

	flashSize uint32 // 0 until a successful probe
}

// NewSession wires a fresh session over p. Connect must be called before
// any other operation.
func NewSession(p Port) *Session {
	return &Session{
		engine: NewEngine(p, 2),
		port:   p,
		state:  stateIdle,
	}
}

// syncTrialBackoff is the pause between failed SYNC attempts, matching
// esp_loader_connect's retry loop.
const syncTrialBackoff = 100 * time.Millisecond

// Connect drives the reset strap, then repeatedly SYNCs until the target
// answers or trials is exhausted (only a timeout is retried; any other
// error aborts at once), then detects the chip and attaches SPI
// flash (or, on ESP8266, primes FLASH_BEGIN(0,0,0,0) to silence a
// ROM quirk that otherwise corrupts the first real flash write).
func (s *Session) Connect(trials int, syncTimeout time.Duration) error {
	if err := s.port.EnterBootloader(); err != nil {
		return fmt.Errorf("loader: enter bootloader: %w", err)
	}

	var lastErr error
	synced := false
	for i := 0; i < trials; i++ {
		s.engine.port.StartTimer(syncTimeout)
		_, err := s.engine.exchange(protocol.CmdSync, protocol.SyncData(), 8)
		if err == nil {
			synced = true
			break
		}
		if !errors.Is(err, ErrTimeout) {
			return fmt.Errorf("loader: sync: %w", err)
		}
		lastErr = err
		time.Sleep(syncTrialBackoff)
	}
	if !synced {
		return fmt.Errorf("loader: sync failed after %d trials: %w", trials, lastErr)
	}

	id, prof, err := s.detectChip()
	if err != nil {
		return err
	}
	s.target = prof
	s.engine.SetStatusTailLen(prof.StatusTailLen())
	s.state = stateConnected

	if id == target.ESP8266 {
		s.engine.port.StartTimer(DefaultTimeout)
		if _, err := s.engine.exchange(protocol.CmdFlashBegin, protocol.FlashBeginData(0, 0, 0, 0, false), 1); err != nil {
			return fmt.Errorf("loader: ESP8266 flash_begin priming: %w", err)
		}
		return nil
	}

	s.engine.port.StartTimer(DefaultTimeout)
	_, err = s.engine.exchange(protocol.CmdSpiAttach, protocol.SpiAttachData(prof.SPIPinConfig), 1)
	if err != nil {
		return fmt.Errorf("loader: spi attach: %w", err)
	}
	return nil
}

// detectChip reads the well-known magic register and matches it against
// the embedded target table.
func (s *Session) detectChip() (target.Identity, *target.Profile, error) {
	addr, ok := target.MagicRegAddr()
	if !ok {
		return "", nil, fmt.Errorf("%w: no target profiles loaded", ErrUnsupportedChip)
	}

	s.engine.port.StartTimer(DefaultTimeout)
	resp, err := s.engine.exchange(protocol.CmdReadReg, protocol.ReadRegData(addr), 1)
	if err != nil {
		return "", nil, fmt.Errorf("loader: read chip magic register: %w", err)
	}

	prof, ok := target.ByMagicValue(resp.Value)
	if !ok {
		return "", nil, fmt.Errorf("%w: unrecognized magic value 0x%08X", ErrUnsupportedChip, resp.Value)
	}
	return prof.ID, prof, nil
}

// Target returns the identity of the currently connected chip.
func (s *Session) Target() target.Identity {
	if s.target == nil {
		return target.Unknown
	}
	return s.target.ID
}

// ReadReg issues READ_REG and returns the register's value.
func (s *Session) ReadReg(addr uint32) (uint32, error) {
	s.engine.port.StartTimer(DefaultTimeout)
	resp, err := s.engine.exchange(protocol.CmdReadReg, protocol.ReadRegData(addr), 1)
	if err != nil {
		return 0, fmt.Errorf("loader: read_reg 0x%08X: %w", addr, err)
	}
	return resp.Value, nil
}

// WriteReg issues WRITE_REG: value is written to addr under mask, followed
// by a delayUs microsecond pause the ROM inserts before acking.
func (s *Session) WriteReg(addr, value, mask, delayUs uint32) error {
	s.engine.port.StartTimer(DefaultTimeout)
	_, err := s.engine.exchange(protocol.CmdWriteReg, protocol.WriteRegData(addr, value, mask, delayUs), 1)
	if err != nil {
		return fmt.Errorf("loader: write_reg 0x%08X: %w", addr, err)
	}
	return nil
}

// ChangeBaudRate asks the target to switch to newBaud. ESP8266's ROM never
// implemented this command. The caller must reconfigure the local port to
// match after this returns successfully; the session does not touch port
// settings itself.
func (s *Session) ChangeBaudRate(newBaud uint32) error {
	if s.Target() == target.ESP8266 {
		return ErrUnsupportedFunc
	}
	s.engine.port.StartTimer(DefaultTimeout)
	_, err := s.engine.exchange(protocol.CmdChangeBaudrate, protocol.ChangeBaudrateData(newBaud, 0), 1)
	if err != nil {
		return fmt.Errorf("loader: change_baudrate to %d: %w", newBaud, err)
	}
	return nil
}

// ResetTarget forces the session back to IDLE and pulses the target's
// reset line, exiting the bootloader.
func (s *Session) ResetTarget() error {
	s.state = stateIdle
	s.flashWriteSize = 0
	if err := s.port.ResetTarget(); err != nil {
		return fmt.Errorf("loader: reset target: %w", err)
	}
	return nil
}

// probeFlashSize caches and returns the flash chip's capacity, probing it
// on first use. A failed probe is not fatal: callers fall back to
// unrestricted size-bound checks and log a debug line.
func (s *Session) probeFlashSize() uint32 {
	if s.flashSize != 0 {
		return s.flashSize
	}
	size, err := s.detectFlashSize()
	if err != nil {
		s.port.DebugPrint(fmt.Sprintf("flash size probe failed, continuing without a bound: %v", err))
		return 0
	}
	s.flashSize = size
	return size
}

// FlashID reports the JEDEC-probed flash chip capacity in bytes, bypassing
// the probe-once cache so callers (e.g. a `read-id` CLI command) always see
// a fresh reading.
func (s *Session) FlashID() (uint32, error) {
	size, err := s.detectFlashSize()
	if err != nil {
		return 0, fmt.Errorf("loader: flash id: %w", err)
	}
	s.flashSize = size
	return size, nil
}

// FlashStart begins a raw streaming write of imageSize bytes at offset,
// using blockSize-sized FLASH_DATA packets.
func (s *Session) FlashStart(offset, imageSize, blockSize uint32) error {
	return s.flashStart(protocol.CmdFlashBegin, offset, imageSize, imageSize, blockSize)
}

// FlashDeflStart begins a compressed streaming write: uncompressedSize is
// used to size the erase region, compressedSize to size the packet count.
func (s *Session) FlashDeflStart(offset, uncompressedSize, compressedSize, blockSize uint32) error {
	return s.flashStart(protocol.CmdFlashDeflBegin, offset, uncompressedSize, compressedSize, blockSize)
}

func (s *Session) flashStart(cmd byte, offset, uncompressedSize, payloadSize, blockSize uint32) error {
	flashSize := s.probeFlashSize()
	if flashSize != 0 {
		if uint64(offset)+uint64(uncompressedSize) > uint64(flashSize) {
			return fmt.Errorf("%w: offset 0x%X + size 0x%X exceeds flash size 0x%X", ErrImageSize, offset, uncompressedSize, flashSize)
		}

		s.engine.port.StartTimer(DefaultTimeout)
		if _, err := s.engine.exchange(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(flashSize), 1); err != nil {
			return fmt.Errorf("loader: spi_set_params: %w", err)
		}
	} else {
		s.port.DebugPrint("flash size unknown, falling back to default SPI parameters")
	}

	eraseSize := protocol.CalculateEraseSize(int(uncompressedSize), int(blockSize))
	numBlocks := protocol.CalculateFlashBlocks(int(payloadSize), int(blockSize))
	encrypted := s.target.EncryptionInBeginFlashCmd()

	s.digest = md5.New()
	s.startAddress = offset
	s.imageSize = uncompressedSize
	s.sequenceNumber = 0
	s.flashWriteSize = blockSize

	timeout := timeoutPerMB(eraseSize, EraseRegionTimeoutPerMB)
	s.engine.port.StartTimer(timeout)

	begin := protocol.FlashBeginData(eraseSize, numBlocks, blockSize, offset, encrypted)
	if _, err := s.engine.exchange(cmd, begin, 1); err != nil {
		return fmt.Errorf("loader: flash begin: %w", err)
	}

	s.state = stateFlashStreaming
	return nil
}

// FlashWrite sends one raw flash-data packet. payload is padded to
// flashWriteSize with 0xFF on the wire; the MD5 accumulator only covers
// the first (len(payload)+3)&^3 bytes of that padded block (the payload
// plus 0xFF fill up to the next 4-byte boundary), matching the original C
// loader's digest coverage exactly.
func (s *Session) FlashWrite(payload []byte) error {
	if s.state != stateFlashStreaming {
		return fmt.Errorf("%w: FlashWrite called outside a flash streaming operation", ErrInvalidParam)
	}
	if uint32(len(payload)) > s.flashWriteSize {
		return fmt.Errorf("%w: payload %d bytes exceeds block size %d", ErrInvalidParam, len(payload), s.flashWriteSize)
	}

	data := protocol.FlashDataData(payload, s.sequenceNumber, int(s.flashWriteSize))
	s.sequenceNumber++

	covered := (len(payload) + 3) &^ 3
	if covered > len(data)-16 {
		covered = len(data) - 16
	}
	s.digest.Write(data[16 : 16+covered])

	s.engine.port.StartTimer(DefaultTimeout)
	checksum := xorFold(data[16:])
	_, err := s.engine.exchangeWithData(protocol.CmdFlashData, data[:16], data[16:], checksum, 1)
	if err != nil {
		return fmt.Errorf("loader: flash_data seq %d: %w", s.sequenceNumber-1, err)
	}
	return nil
}

// FlashDeflWrite sends one compressed flash-data packet, unpadded, and
// arms a much longer deadline than the raw path since a single compressed
// block may expand to many flash sectors.
func (s *Session) FlashDeflWrite(payload []byte) error {
	if s.state != stateFlashStreaming {
		return fmt.Errorf("%w: FlashDeflWrite called outside a flash streaming operation", ErrInvalidParam)
	}

	covered := (len(payload) + 3) &^ 3
	if covered > len(payload) {
		covered = len(payload)
	}
	s.digest.Write(payload[:covered])

	data := protocol.FlashDeflDataData(payload, s.sequenceNumber)
	s.sequenceNumber++

	s.engine.port.StartTimer(DefaultTimeout * 50)
	checksum := xorFold(data[16:])
	_, err := s.engine.exchangeWithData(protocol.CmdFlashDeflData, data[:16], data[16:], checksum, 1)
	if err != nil {
		return fmt.Errorf("loader: flash_defl_data seq %d: %w", s.sequenceNumber-1, err)
	}
	return nil
}

// FlashFinish ends the current streaming write. reboot true lets the
// target jump into the freshly written image; false leaves it parked in
// the ROM loader.
func (s *Session) FlashFinish(reboot bool) error {
	return s.flashFinish(protocol.CmdFlashEnd, reboot)
}

// FlashDeflFinish is FlashFinish's counterpart for the compressed path.
func (s *Session) FlashDeflFinish(reboot bool) error {
	return s.flashFinish(protocol.CmdFlashDeflEnd, reboot)
}

func (s *Session) flashFinish(cmd byte, reboot bool) error {
	if s.state != stateFlashStreaming {
		return fmt.Errorf("%w: flash finish called outside a flash streaming operation", ErrInvalidParam)
	}
	s.engine.port.StartTimer(DefaultTimeout)
	_, err := s.engine.exchange(cmd, protocol.FlashEndData(!reboot), 1)
	s.state = stateConnected
	s.flashWriteSize = 0
	if err != nil {
		return fmt.Errorf("loader: flash finish: %w", err)
	}
	return nil
}

// MemStart begins a RAM download of totalSize bytes at offset, streamed in
// blockSize packets.
func (s *Session) MemStart(offset, totalSize, blockSize uint32) error {
	numBlocks := protocol.CalculateFlashBlocks(int(totalSize), int(blockSize))
	timeout := timeoutPerMB(totalSize, LoadRAMTimeoutPerMB)
	s.engine.port.StartTimer(timeout)

	_, err := s.engine.exchange(protocol.CmdMemBegin, protocol.MemBeginData(totalSize, numBlocks, blockSize, offset), 1)
	if err != nil {
		return fmt.Errorf("loader: mem begin: %w", err)
	}

	s.sequenceNumber = 0
	s.flashWriteSize = blockSize
	s.state = stateMemStreaming
	return nil
}

// MemWrite sends one RAM-download data packet, unpadded.
func (s *Session) MemWrite(payload []byte) error {
	if s.state != stateMemStreaming {
		return fmt.Errorf("%w: MemWrite called outside a RAM streaming operation", ErrInvalidParam)
	}

	data := protocol.MemDataData(payload, s.sequenceNumber)
	s.sequenceNumber++

	s.engine.port.StartTimer(DefaultTimeout)
	checksum := xorFold(data[16:])
	_, err := s.engine.exchangeWithData(protocol.CmdMemData, data[:16], data[16:], checksum, 1)
	if err != nil {
		return fmt.Errorf("loader: mem_data seq %d: %w", s.sequenceNumber-1, err)
	}
	return nil
}

// MemFinish ends a RAM download. entryPoint == 0 means "stay, do not
// jump"; any other value is jumped to immediately, regardless of
// stayInLoader.
func (s *Session) MemFinish(entryPoint uint32) error {
	if s.state != stateMemStreaming {
		return fmt.Errorf("%w: MemFinish called outside a RAM streaming operation", ErrInvalidParam)
	}
	stayInLoader := entryPoint == 0

	s.engine.port.StartTimer(DefaultTimeout)
	_, err := s.engine.exchange(protocol.CmdMemEnd, protocol.MemEndData(stayInLoader, entryPoint), 1)
	s.state = stateConnected
	s.flashWriteSize = 0
	if err != nil {
		return fmt.Errorf("loader: mem finish: %w", err)
	}
	return nil
}

// FlashVerify finalizes the local MD5 accumulator and compares it against
// the target's own digest of the just-written region. ESP8266's ROM
// doesn't implement SPI_FLASH_MD5.
func (s *Session) FlashVerify() error {
	if s.Target() == target.ESP8266 {
		return ErrUnsupportedFunc
	}
	if s.digest == nil {
		return fmt.Errorf("%w: FlashVerify called with no prior flash write", ErrInvalidParam)
	}

	localHex := hex.EncodeToString(s.digest.Sum(nil))

	timeout := timeoutPerMB(s.imageSize, MD5TimeoutPerMB)
	s.engine.port.StartTimer(timeout)
	resp, err := s.engine.exchange(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(s.startAddress, s.imageSize), 1)
	if err != nil {
		return fmt.Errorf("loader: spi_flash_md5: %w", err)
	}

	remoteHex := string(resp.Data)
	if len(remoteHex) < len(localHex) || remoteHex[:len(localHex)] != localHex {
		return fmt.Errorf("%w: local %s remote %s", ErrInvalidMD5, localHex, remoteHex)
	}
	return nil
}

// SecurityInfo issues GET_SECURITY_INFO, an enrichment command only the
// ESP32-S2/S3/C3 ROMs implement. Its chip ID is a secondary identity source
// on top of the magic-value probe already done by Connect.
func (s *Session) SecurityInfo() (*protocol.SecurityInfo, error) {
	switch s.Target() {
	case target.ESP32S2, target.ESP32S3, target.ESP32C3:
	default:
		return nil, ErrUnsupportedFunc
	}

	s.engine.port.StartTimer(DefaultTimeout)
	resp, err := s.engine.exchange(protocol.CmdGetSecurityInfo, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("loader: get_security_info: %w", err)
	}
	info, err := protocol.ParseSecurityInfo(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("loader: get_security_info: %w", err)
	}
	return info, nil
}

// xorFold computes the checksum the codec places in a data-bearing
// request's header, seeded with 0xEF.
func xorFold(data []byte) uint32 {
	var c byte = 0xEF
	for _, b := range data {
		c ^= b
	}
	return uint32(c)
}
