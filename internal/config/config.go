// Package config handles streaming configuration loading and management.
package config

// Config holds all terrain streaming settings.
type Config struct {
	Streaming StreamingConfig `yaml:"streaming"`
	LOD       LODConfig       `yaml:"lod"`
	Channels  []ChannelConfig `yaml:"channels"`
	Storage   StorageConfig   `yaml:"storage"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StreamingConfig holds page cache and loader settings.
type StreamingConfig struct {
	ChunkSize          int   `yaml:"chunk_size"`           // Tile edge in samples, border excluded
	AtlasSlots         int   `yaml:"atlas_slots"`          // Physical slots per atlas axis
	MaxConcurrentLoads int   `yaml:"max_concurrent_loads"` // Staging segment count
	Workers            int   `yaml:"workers"`              // Loader goroutines
	ReadBytesPerSec    int64 `yaml:"read_bytes_per_sec"`   // 0 = unlimited
	DebugChecks        bool  `yaml:"debug_checks"`         // Verify cache invariants every frame
}

// LOD selection modes.
const (
	LODClipmap  = "clipmap"
	LODQuadtree = "quadtree"
)

// LODConfig holds wanted-chunk selection settings.
type LODConfig struct {
	Mode        string  `yaml:"mode"`
	WorldChunks int     `yaml:"world_chunks"` // Chunks per axis at mip 0
	RingSizes   []int   `yaml:"ring_sizes"`   // Clipmap window width per mip
	MaxMip      int     `yaml:"max_mip"`      // Quadtree root level
	SplitFactor float64 `yaml:"split_factor"` // Quadtree split distance in node edges
}

// Channel sample formats.
const (
	FormatR16   = "r16"
	FormatRGBA8 = "rgba8"
	FormatR8    = "r8"
)

// ChannelConfig describes one independently streamed texture channel.
type ChannelConfig struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
	Table  string `yaml:"table"`
	Blob   string `yaml:"blob"`
}

// BytesPerSample returns the sample size of the channel format, or 0 if unknown.
func (c ChannelConfig) BytesPerSample() int {
	switch c.Format {
	case FormatR16:
		return 2
	case FormatRGBA8:
		return 4
	case FormatR8:
		return 1
	default:
		return 0
	}
}

// Storage backends.
const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageS3    = "s3"
)

// StorageConfig selects where chunk store files are read from.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Root      string `yaml:"root"` // Local directory
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// ViewerConfig holds window settings for the interactive viewer.
type ViewerConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	VSync     bool    `yaml:"vsync"`
	MoveSpeed float64 `yaml:"move_speed"` // World units per second
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Streaming: StreamingConfig{
			ChunkSize:          128,
			AtlasSlots:         16,
			MaxConcurrentLoads: 16,
			Workers:            1,
		},
		LOD: LODConfig{
			Mode:        LODClipmap,
			WorldChunks: 64,
			RingSizes:   []int{8, 6, 4, 4},
			MaxMip:      3,
			SplitFactor: 1.5,
		},
		Channels: []ChannelConfig{
			{Name: "height", Format: FormatR16, Table: "height.table", Blob: "height.bin"},
			{Name: "normal", Format: FormatRGBA8, Table: "normal.table", Blob: "normal.bin"},
			{Name: "composition", Format: FormatR8, Table: "composition.table", Blob: "composition.bin"},
		},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Root:    "data",
			Secure:  true,
		},
		Viewer: ViewerConfig{
			Width:     1280,
			Height:    720,
			VSync:     true,
			MoveSpeed: 512,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}
