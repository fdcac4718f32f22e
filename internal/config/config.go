// Package config parses YAML flashing manifests: which regions to write,
// at which addresses, over which port and baud rate.
package config

// Config is a complete flashing job.
type Config struct {
	Port    string         `yaml:"port"`
	Baud    int            `yaml:"baud"`
	Verify  bool           `yaml:"verify"`
	Regions []RegionConfig `yaml:"regions"`
}

// RegionConfig is one named image to write at a fixed flash address. When
// Compressed is set, File holds deflate-compressed bytes and
// UncompressedSize must carry the inflated image size, since the target
// needs it to size the erase region before a single compressed byte arrives.
type RegionConfig struct {
	Name             string `yaml:"name"`
	Address          uint32 `yaml:"address"`
	File             string `yaml:"file"`
	Compressed       bool   `yaml:"compressed"`
	UncompressedSize uint32 `yaml:"uncompressed_size"`
}
