package config

import (
	"fmt"
	"os"
	"sort"
)

// validate checks a manifest for structural and geometric correctness:
// baud must be positive, and no two regions' address ranges may overlap.
func validate(cfg *Config) error {
	if cfg.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", cfg.Baud)
	}

	type span struct {
		name        string
		start, end  uint64 // end exclusive
	}

	spans := make([]span, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		if r.Name == "" {
			return fmt.Errorf("region at address 0x%X has no name", r.Address)
		}
		size, err := regionSize(r)
		if err != nil {
			return fmt.Errorf("region %q: %w", r.Name, err)
		}
		spans = append(spans, span{name: r.Name, start: uint64(r.Address), end: uint64(r.Address) + size})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("region %q (0x%X-0x%X) overlaps region %q (0x%X-0x%X)",
				spans[i].name, spans[i].start, spans[i].end,
				spans[i-1].name, spans[i-1].start, spans[i-1].end)
		}
	}
	return nil
}

// regionSize reports how many bytes r's image occupies on flash: the file
// size, or UncompressedSize for a compressed region that sets it.
func regionSize(r RegionConfig) (uint64, error) {
	info, err := os.Stat(r.File)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", r.File, err)
	}
	if r.Compressed && r.UncompressedSize != 0 {
		return uint64(r.UncompressedSize), nil
	}
	return uint64(info.Size()), nil
}
