// vtbake builds and inspects terrain chunk stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/terrastream/internal/assets"
	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/internal/streaming/lod"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "bake":
		cmdBake(args)
	case "info":
		cmdInfo(args)
	case "verify":
		cmdVerify(args)
	case "config":
		cmdConfig(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`vtbake - terrain chunk store utility

Usage:
  vtbake <command> [options]

Commands:
  bake   [-config f] [-out dir] [-seed n]   Bake synthetic stores for every channel
  info   <file.table>                       Show table statistics
  verify [-config f]                        Check stores against the config
  config [-config f] [-o file]              Print or write the effective config

Examples:
  vtbake bake -out data -seed 7
  vtbake info data/height.table
  vtbake verify -config terrain.yaml`)
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdBake(args []string) {
	fs := flag.NewFlagSet("bake", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file")
	out := fs.String("out", "", "Output directory (default: storage.root)")
	seed := fs.Uint("seed", 1, "Noise seed")
	octaves := fs.Int("octaves", 6, "Noise octaves")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dir := *out
	if dir == "" {
		dir = cfg.Storage.Root
	}

	gen, err := lod.New(cfg.LOD, cfg.Streaming.ChunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	synth := terrain.DefaultSynth(uint32(*seed))
	synth.Octaves = *octaves

	start := time.Now()
	n, err := synth.Bake(ctx, terrain.BakeOptions{
		Dir:         dir,
		ChunkSize:   cfg.Streaming.ChunkSize,
		WorldChunks: cfg.LOD.WorldChunks,
		Levels:      gen.Levels(),
		Channels:    cfg.Channels,
		Log:         logger.Log,
	})
	if err != nil {
		logger.Error("bake failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("Baked %d chunks x %d channels into %s in %s\n",
		n, len(cfg.Channels), dir, time.Since(start).Round(time.Millisecond))
}

func cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: vtbake info <file.table>")
		os.Exit(1)
	}

	table, err := chunkstore.OpenTable(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Count by mip
	perMip := make(map[uint32]int)
	sizes := make(map[uint32]int)
	for _, e := range table.Entries() {
		perMip[e.Key.Mip]++
		sizes[e.Range.Size]++
	}

	fmt.Printf("Table:   %s\n", args[0])
	fmt.Printf("Chunks:  %d\n", table.Len())
	fmt.Printf("Max mip: %d\n", table.MaxMip())
	fmt.Printf("Blob:    %.2f MB\n", float64(table.BlobSize())/(1024*1024))
	fmt.Println()
	fmt.Println("Chunks by mip:")

	mips := make([]uint32, 0, len(perMip))
	for m := range perMip {
		mips = append(mips, m)
	}
	sort.Slice(mips, func(i, j int) bool { return mips[i] < mips[j] })
	for _, m := range mips {
		fmt.Printf("  %-4d %d\n", m, perMip[m])
	}

	if len(sizes) > 1 {
		fmt.Printf("\nWarning: %d distinct payload sizes\n", len(sizes))
	}
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	gen, err := lod.New(cfg.LOD, cfg.Streaming.ChunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	src, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	am := assets.NewManager(ctx, src)
	defer am.Close()

	failed := 0
	for _, ch := range cfg.Channels {
		problems := verifyChannel(am, cfg, ch, gen.Levels())
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "%s: %s\n", ch.Name, p)
		}
		if len(problems) > 0 {
			failed++
			continue
		}
		fmt.Printf("%-12s ok\n", ch.Name)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "\n%d of %d channels failed (%s)\n", failed, len(cfg.Channels), src)
		os.Exit(1)
	}
}

func verifyChannel(am *assets.Manager, cfg *config.Config, ch config.ChannelConfig, levels int) []string {
	format, err := gpu.ParseFormat(ch.Format)
	if err != nil {
		return []string{err.Error()}
	}
	table, err := am.Table(ch.Table)
	if err != nil {
		return []string{err.Error()}
	}
	blob, err := am.Handle(ch.Blob)
	if err != nil {
		return []string{err.Error()}
	}

	var problems []string
	if uint64(blob.Size()) < table.BlobSize() {
		problems = append(problems, fmt.Sprintf("blob has %d bytes, table needs %d", blob.Size(), table.BlobSize()))
	}

	tile := chunkstore.TileBytes(cfg.Streaming.ChunkSize, format.BytesPerTexel())
	for _, e := range table.Entries() {
		if int(e.Range.Size) != tile {
			problems = append(problems, fmt.Sprintf("chunk %s has %d bytes, tile is %d", e.Key, e.Range.Size, tile))
			break
		}
	}

	missing := 0
	for mip := range levels {
		n := lod.GridSize(cfg.LOD.WorldChunks, mip)
		for y := range n {
			for x := range n {
				if _, ok := table.Lookup(chunkstore.NewKey(uint16(x), uint16(y), uint32(mip))); !ok {
					missing++
				}
			}
		}
	}
	if missing > 0 {
		problems = append(problems, fmt.Sprintf("%d chunks missing across %d levels", missing, levels))
	}
	return problems
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file")
	outPath := fs.String("o", "", "Write to file instead of stdout")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if *outPath != "" {
		if err := cfg.SaveTo(*outPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *outPath)
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
}
