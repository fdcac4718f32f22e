// Package target holds the closed set of chip identities the loader speaks
// to, and each chip's SPI register layout, magic value, and protocol
// capability flags. The table lives in an embedded YAML resource
// (embedded/targets.yaml) rather than as Go struct literals, so it can be
// audited or patched without touching the register-address bookkeeping code.
package target

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/esp-flasher/embedded"
)

// Identity is a chip family in the closed set this driver understands.
type Identity string

const (
	ESP8266  Identity = "esp8266"
	ESP32    Identity = "esp32"
	ESP32S2  Identity = "esp32-s2"
	ESP32S3  Identity = "esp32-s3"
	ESP32C3  Identity = "esp32-c3"
	Unknown  Identity = "unknown"
)

// Registers is the absolute address of every SPI controller register the
// indirect SPI flash command needs.
type Registers struct {
	USR      uint32 `yaml:"usr"`
	USR1     uint32 `yaml:"usr1"`
	USR2     uint32 `yaml:"usr2"`
	CMD      uint32 `yaml:"cmd"`
	MOSIDlen uint32 `yaml:"mosi_dlen"`
	MISODlen uint32 `yaml:"miso_dlen"`
	W0       uint32 `yaml:"w0"`
}

// Profile is everything the session manager needs to know about one chip
// family: its register table, chip-detection magic value, and the two
// protocol details that vary by ROM revision (§9 of the spec).
type Profile struct {
	ID               Identity  `yaml:"id"`
	MagicRegAddr     uint32    `yaml:"magic_reg_addr"`
	MagicValue       uint32    `yaml:"magic_value"`
	StatusTailLength int       `yaml:"status_tail_len"`
	EncryptedInBegin bool      `yaml:"encrypted_in_begin"`
	SPIPinConfig     uint32    `yaml:"spi_pin_config"`
	Registers        Registers `yaml:"registers"`
}

type profileFile struct {
	Targets []Profile `yaml:"targets"`
}

var (
	byIdentity      = map[Identity]*Profile{}
	byMagicValue    = map[uint32]*Profile{}
	orderedForProbe []*Profile
)

func init() {
	var f profileFile
	if err := yaml.Unmarshal(embedded.TargetProfiles(), &f); err != nil {
		panic(fmt.Sprintf("target: malformed embedded profile table: %v", err))
	}
	for i := range f.Targets {
		p := &f.Targets[i]
		byIdentity[p.ID] = p
		byMagicValue[p.MagicValue] = p
		orderedForProbe = append(orderedForProbe, p)
	}
}

// Lookup returns the profile for a known identity, or false if id is not in
// the embedded table.
func Lookup(id Identity) (*Profile, bool) {
	p, ok := byIdentity[id]
	return p, ok
}

// ByMagicValue returns the profile whose chip-detection magic value matches
// v, or false if no known chip reports that value.
func ByMagicValue(v uint32) (*Profile, bool) {
	p, ok := byMagicValue[v]
	return p, ok
}

// MagicRegAddr returns the register address chip detection reads. All known
// chips share the same address in the embedded table; this helper exists so
// callers don't need a Profile in hand yet to know where to probe.
func MagicRegAddr() (uint32, bool) {
	if len(orderedForProbe) == 0 {
		return 0, false
	}
	return orderedForProbe[0].MagicRegAddr, true
}

// EncryptionInBeginFlashCmd reports whether FLASH_BEGIN/FLASH_DEFL_BEGIN
// carries the trailing encrypted word on this target.
func (p *Profile) EncryptionInBeginFlashCmd() bool {
	return p.EncryptedInBegin
}

// StatusTailLen is the number of trailing {failed, error[, reserved]} bytes
// on every response body for this target's ROM revision: 2 or 4.
func (p *Profile) StatusTailLen() int {
	if p.StatusTailLength == 0 {
		return 2
	}
	return p.StatusTailLength
}
