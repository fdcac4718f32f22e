// Package flasher drives a loader.Session through a sequence of named
// image regions, reporting progress along the way. It knows nothing about
// wire framing or the state machine; that lives in internal/loader.
package flasher

import (
	"fmt"

	"github.com/bigbag/esp-flasher/internal/loader"
)

// ProgressCallback reports how many of total blocks have been written
// across the whole flashing job.
type ProgressCallback func(current, total int)

// FlashRegion is one named image to write at a fixed address. When
// Compressed is set, Data is the deflate-compressed payload and
// UncompressedSize should carry the size of the image once inflated on the
// target; if left zero it defaults to len(Data), which only matches reality
// when the region genuinely isn't shrunk by compression.
type FlashRegion struct {
	Address          uint32
	Data             []byte
	Name             string
	Compressed       bool
	UncompressedSize uint32
}

// Flasher drives a loader.Session through a connect-then-flash-regions
// sequence.
type Flasher struct {
	session  *loader.Session
	progress ProgressCallback
}

// New wraps sess for region-oriented flashing.
func New(sess *loader.Session) *Flasher {
	return &Flasher{session: sess}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect establishes the bootloader session with a generous retry budget
// for boards with a slow reset strap.
func (f *Flasher) Connect() error {
	const trials = 10
	const syncTimeout = loader.DefaultTimeout / 2
	if err := f.session.Connect(trials, syncTimeout); err != nil {
		return fmt.Errorf("flasher: connect: %w", err)
	}
	return nil
}

const flashBlockSize = 0x4000 // 16KB streaming block, matches esptool's default

// FlashImage streams region's data in flashBlockSize packets, using the
// deflate command variants when region.Compressed is set, and optionally
// verifies the result by digest.
func (f *Flasher) FlashImage(region FlashRegion, verify bool) error {
	data := region.Data
	address := region.Address

	if region.Compressed {
		uncompressedSize := region.UncompressedSize
		if uncompressedSize == 0 {
			uncompressedSize = uint32(len(data))
		}
		if err := f.session.FlashDeflStart(address, uncompressedSize, uint32(len(data)), flashBlockSize); err != nil {
			return fmt.Errorf("flasher: flash defl begin at 0x%X: %w", address, err)
		}

		total := (len(data) + flashBlockSize - 1) / flashBlockSize
		for start, seq := 0, 0; start < len(data); start, seq = start+flashBlockSize, seq+1 {
			end := start + flashBlockSize
			if end > len(data) {
				end = len(data)
			}

			if err := f.session.FlashDeflWrite(data[start:end]); err != nil {
				return fmt.Errorf("flasher: flash defl data block %d: %w", seq, err)
			}
			f.reportProgress(seq+1, total)
		}

		if err := f.session.FlashDeflFinish(false); err != nil {
			return fmt.Errorf("flasher: flash defl end: %w", err)
		}
	} else {
		if err := f.session.FlashStart(address, uint32(len(data)), flashBlockSize); err != nil {
			return fmt.Errorf("flasher: flash begin at 0x%X: %w", address, err)
		}

		total := (len(data) + flashBlockSize - 1) / flashBlockSize
		for start, seq := 0, 0; start < len(data); start, seq = start+flashBlockSize, seq+1 {
			end := start + flashBlockSize
			if end > len(data) {
				end = len(data)
			}

			if err := f.session.FlashWrite(data[start:end]); err != nil {
				return fmt.Errorf("flasher: flash data block %d: %w", seq, err)
			}
			f.reportProgress(seq+1, total)
		}

		if err := f.session.FlashFinish(false); err != nil {
			return fmt.Errorf("flasher: flash end: %w", err)
		}
	}

	if verify {
		if err := f.session.FlashVerify(); err != nil {
			return fmt.Errorf("flasher: verify 0x%X: %w", address, err)
		}
	}
	return nil
}

// Reboot hard-resets the target through the session's reset line. It sends
// no FLASH_END; any streaming operation must already be finished.
func (f *Flasher) Reboot() error {
	if err := f.session.ResetTarget(); err != nil {
		return fmt.Errorf("flasher: reboot: %w", err)
	}
	return nil
}

// FlashMultiple flashes each region in order, tracking overall progress
// across the whole job rather than per-region.
func (f *Flasher) FlashMultiple(regions []FlashRegion, verify bool) error {
	totalBlocks := 0
	for _, r := range regions {
		totalBlocks += (len(r.Data) + flashBlockSize - 1) / flashBlockSize
	}

	orig := f.progress
	defer f.SetProgressCallback(orig)

	done := 0
	for _, region := range regions {
		regionDone := done
		f.SetProgressCallback(func(current, _ int) {
			if orig != nil {
				orig(regionDone+current, totalBlocks)
			}
		})

		if err := f.FlashImage(region, verify); err != nil {
			return fmt.Errorf("flasher: flash %s at 0x%X: %w", region.Name, region.Address, err)
		}
		done += (len(region.Data) + flashBlockSize - 1) / flashBlockSize
	}
	return nil
}
