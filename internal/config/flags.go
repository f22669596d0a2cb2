package config

import "flag"

var (
	flagConfig  = flag.String("config", "", "Path to config file")
	flagDebug   = flag.Bool("debug", false, "Enable debug logging and per-frame cache checks")
	flagData    = flag.String("data", "", "Chunk store root directory (local storage)")
	flagAtlas   = flag.Int("atlas", 0, "Physical atlas slots per axis")
	flagWorkers = flag.Int("workers", 0, "Loader worker goroutines")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
		cfg.Streaming.DebugChecks = true
	}
	if *flagData != "" {
		cfg.Storage.Backend = StorageLocal
		cfg.Storage.Root = *flagData
	}
	if *flagAtlas > 0 {
		cfg.Streaming.AtlasSlots = *flagAtlas
	}
	if *flagWorkers > 0 {
		cfg.Streaming.Workers = *flagWorkers
	}
}
