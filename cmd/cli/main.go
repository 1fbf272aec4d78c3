package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wildtone/callscore/internal/audio"
	"github.com/wildtone/callscore/internal/config"
	"github.com/wildtone/callscore/internal/dsp"
	"github.com/wildtone/callscore/internal/session"
	"github.com/wildtone/callscore/internal/storage"
	"github.com/wildtone/callscore/pkg/logger"
)

// Global flags
var (
	configPath string
	dbPath     string
	cacheDir   string
)

func init() {
	flag.StringVar(&configPath, "config", getEnvOrDefault("CALLSCORE_CONFIG", ""), "Path to a YAML configuration file")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("CALLSCORE_DB_PATH", ""), "Path to the SQLite reference registry")
	flag.StringVar(&cacheDir, "cache", getEnvOrDefault("CALLSCORE_CACHE_DIR", ""), "Directory for persisted feature caches")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig() *config.Config {
	log := logger.GetLogger()

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("❌ Failed to load config: %v\n", err)
			log.Errorf("Config load failed: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	// Command-line flags win over file and defaults.
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if cacheDir != "" {
		cfg.Storage.CacheDir = cacheDir
	}
	return cfg
}

func openRegistry(cfg *config.Config) *storage.DBClient {
	log := logger.GetLogger()
	db, err := storage.NewDBClientWithPath(cfg.Storage.DBPath)
	if err != nil {
		fmt.Printf("❌ Failed to open reference registry: %v\n", err)
		log.Errorf("Registry open failed: %v", err)
		os.Exit(1)
	}
	return db
}

func main() {
	log := logger.GetLogger()

	printBanner()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	log.Infof("Executing command: %s", command)

	switch command {
	case "add":
		handleAdd()
	case "score":
		handleScore()
	case "list":
		handleList()
	case "delete":
		handleDelete()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printBanner() {
	banner := `
   ____      _ _ ____
  / ___|__ _| | / ___|  ___ ___  _ __ ___
 | |   / _` + "`" + ` | | \___ \ / __/ _ \| '__/ _ \
 | |__| (_| | | |___) | (_| (_) | | |  __/
  \____\__,_|_|_|____/ \___\___/|_|  \___|

        Call Similarity Scoring Tool
`
	fmt.Println(banner)
}

func handleAdd() {
	log := logger.GetLogger()

	args := os.Args[2:]
	var audioPath string
	var flagArgs []string
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") && audioPath == "" {
			audioPath = arg
		} else {
			flagArgs = append(flagArgs, args[i:]...)
			break
		}
	}

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	id := addCmd.String("id", "", "Reference id (required)")
	name := addCmd.String("name", "", "Human-readable reference name")
	addCmd.Parse(flagArgs)

	if audioPath == "" || *id == "" {
		fmt.Println("Error: audio file path and --id are required")
		fmt.Println("Usage: callscore add <audio_file.wav> --id <id> [--name <name>]")
		os.Exit(1)
	}
	if *name == "" {
		*name = *id
	}

	cfg := loadConfig()
	db := openRegistry(cfg)
	defer db.Close()

	fmt.Println("🎵 Decoding reference audio...")
	samples, rate, err := audio.ReadWavMono(audioPath)
	if err != nil {
		fmt.Printf("❌ Failed to decode audio: %v\n", err)
		log.Errorf("WAV decode failed: %v", err)
		os.Exit(1)
	}
	log.Infof("Decoded %d samples at %d Hz", len(samples), rate)

	fmt.Println("🔬 Extracting features...")
	extractor, err := dsp.NewExtractor(cfg.ScoreConfig(rate).Extractor)
	if err != nil {
		fmt.Printf("❌ Failed to build extractor: %v\n", err)
		log.Errorf("Extractor build failed: %v", err)
		os.Exit(1)
	}
	seq, err := extractor.ExtractSequence(samples, cfg.Features.HopSize)
	if err != nil {
		fmt.Printf("❌ Feature extraction failed: %v\n", err)
		log.Errorf("Feature extraction failed: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Storage.CacheDir, 0o755); err != nil {
		fmt.Printf("❌ Failed to create cache directory: %v\n", err)
		os.Exit(1)
	}
	cachePath := filepath.Join(cfg.Storage.CacheDir, *id+".features")
	if err := audio.WriteFeatureCache(cachePath, seq); err != nil {
		fmt.Printf("❌ Failed to write feature cache: %v\n", err)
		log.Errorf("Feature cache write failed: %v", err)
		os.Exit(1)
	}

	durationMs := len(samples) * 1000 / rate
	ref := &storage.ReferenceCall{
		ID:         *id,
		Name:       *name,
		AudioPath:  audioPath,
		CachePath:  cachePath,
		SampleRate: rate,
		FrameCount: len(seq),
		DurationMs: durationMs,
	}
	if err := db.RegisterReference(ref); err != nil {
		fmt.Printf("❌ Failed to register reference: %v\n", err)
		log.Errorf("RegisterReference failed: %v", err)
		os.Exit(1)
	}

	fmt.Println("\n✅ Reference registered!")
	fmt.Printf("   ID:       %s\n", *id)
	fmt.Printf("   Name:     %s\n", *name)
	fmt.Printf("   Frames:   %d\n", len(seq))
	fmt.Printf("   Duration: %d:%02d\n", durationMs/60000, durationMs/1000%60)
	log.Infof("Registered reference %q (%d frames)", *id, len(seq))
}

func handleScore() {
	log := logger.GetLogger()

	args := os.Args[2:]
	var audioPath string
	var flagArgs []string
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") && audioPath == "" {
			audioPath = arg
		} else {
			flagArgs = append(flagArgs, args[i:]...)
			break
		}
	}

	scoreCmd := flag.NewFlagSet("score", flag.ExitOnError)
	refID := scoreCmd.String("ref", "", "Reference id to score against (required)")
	chunkSize := scoreCmd.Int("chunk", 4096, "Samples pushed per chunk")
	scoreCmd.Parse(flagArgs)

	if audioPath == "" || *refID == "" {
		fmt.Println("Error: audio file path and --ref are required")
		fmt.Println("Usage: callscore score <audio_file.wav> --ref <id> [--chunk <samples>]")
		os.Exit(1)
	}

	cfg := loadConfig()
	db := openRegistry(cfg)
	defer db.Close()

	fmt.Println("🎵 Decoding audio...")
	samples, rate, err := audio.ReadWavMono(audioPath)
	if err != nil {
		fmt.Printf("❌ Failed to decode audio: %v\n", err)
		log.Errorf("WAV decode failed: %v", err)
		os.Exit(1)
	}

	mgr, err := session.NewManager(session.Config{
		Pool:         cfg.PoolConfig(),
		ChunkTimeout: 100 * time.Millisecond,
		ScoreConfig:  cfg.ScoreConfig,
		DB:           db,
	})
	if err != nil {
		fmt.Printf("❌ Failed to start engine: %v\n", err)
		log.Errorf("Manager start failed: %v", err)
		os.Exit(1)
	}
	defer mgr.Close()

	handle, err := mgr.Create(rate)
	if err != nil {
		fmt.Printf("❌ Failed to create session: %v\n", err)
		log.Errorf("Session create failed: %v", err)
		os.Exit(1)
	}
	if err := mgr.LoadReference(handle, *refID); err != nil {
		fmt.Printf("❌ Failed to load reference %q: %v\n", *refID, err)
		log.Errorf("LoadReference failed: %v", err)
		os.Exit(1)
	}

	fmt.Println("🔍 Scoring against reference...")
	chunk := make([]float32, *chunkSize)
	for off := 0; off < len(samples); off += *chunkSize {
		end := off + *chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		n := end - off
		for i := 0; i < n; i++ {
			chunk[i] = float32(samples[off+i])
		}
		if _, err := mgr.ProcessChunk(handle, chunk[:n], 1); err != nil {
			fmt.Printf("❌ Scoring failed: %v\n", err)
			log.Errorf("ProcessChunk failed: %v", err)
			os.Exit(1)
		}
	}

	fb, err := mgr.Feedback(handle)
	if err != nil {
		fmt.Printf("❌ Failed to read feedback: %v\n", err)
		log.Errorf("Feedback failed: %v", err)
		os.Exit(1)
	}
	sc := fb.Current

	fmt.Println("\n✅ Scoring complete!")
	fmt.Printf("   Overall:    %5.1f%%  (%s)\n", sc.Overall*100, fb.Quality)
	fmt.Printf("   Timbral:    %5.1f%%\n", sc.Timbral*100)
	fmt.Printf("   Loudness:   %5.1f%%\n", sc.Loudness*100)
	fmt.Printf("   Timing:     %5.1f%%\n", sc.Timing*100)
	fmt.Printf("   Pitch:      %5.1f%%\n", sc.Pitch*100)
	fmt.Printf("   Confidence: %5.1f%%\n", sc.Confidence*100)
	if sc.Match {
		fmt.Println("   Verdict:    🎯 match")
	} else {
		fmt.Println("   Verdict:    no match")
	}
	fmt.Printf("\n💡 %s\n", fb.Recommendation)
	log.Infof("Scored %q against %q: overall %.3f", audioPath, *refID, sc.Overall)
}

func handleList() {
	log := logger.GetLogger()

	cfg := loadConfig()
	db := openRegistry(cfg)
	defer db.Close()

	refs, err := db.ListReferences()
	if err != nil {
		fmt.Printf("❌ Failed to list references: %v\n", err)
		log.Errorf("ListReferences failed: %v", err)
		os.Exit(1)
	}

	if len(refs) == 0 {
		fmt.Println("\n📭 No references registered")
		log.Info("No references registered")
		return
	}

	fmt.Printf("\n📚 Found %d reference(s):\n\n", len(refs))
	for i, ref := range refs {
		fmt.Printf("%d. %s (ID: %s)\n", i+1, ref.Name, ref.ID)
		fmt.Printf("   Rate: %d Hz | Frames: %d", ref.SampleRate, ref.FrameCount)
		if ref.DurationMs > 0 {
			duration := ref.DurationMs / 1000
			fmt.Printf(" | Duration: %d:%02d", duration/60, duration%60)
		}
		fmt.Println()
		fmt.Println()
	}
	log.Infof("Listed %d references", len(refs))
}

func handleDelete() {
	log := logger.GetLogger()

	if len(os.Args) < 3 {
		fmt.Println("Usage: callscore delete <reference_id>")
		os.Exit(1)
	}
	refID := os.Args[2]

	cfg := loadConfig()
	db := openRegistry(cfg)
	defer db.Close()

	ref, err := db.GetReference(refID)
	if err != nil {
		fmt.Printf("❌ Reference not found: %s\n", refID)
		log.Warnf("Reference %q not found: %v", refID, err)
		os.Exit(1)
	}

	if err := db.DeleteReference(refID); err != nil {
		fmt.Printf("❌ Failed to delete reference: %v\n", err)
		log.Errorf("DeleteReference failed: %v", err)
		os.Exit(1)
	}
	if ref.CachePath != "" {
		if err := os.Remove(ref.CachePath); err != nil && !os.IsNotExist(err) {
			log.Warnf("Could not remove feature cache %s: %v", ref.CachePath, err)
		}
	}

	fmt.Println("\n✅ Reference deleted:")
	fmt.Printf("   ID:   %s\n", ref.ID)
	fmt.Printf("   Name: %s\n", ref.Name)
	log.Infof("Deleted reference %q", refID)
}

func printUsage() {
	fmt.Println("CallScore - Call Similarity Scoring CLI")
	fmt.Println("\nGlobal Options:")
	fmt.Println("  --config <path>    YAML configuration file (env: CALLSCORE_CONFIG)")
	fmt.Println("  --db <path>        SQLite reference registry (env: CALLSCORE_DB_PATH, default: callscore.sqlite3)")
	fmt.Println("  --cache <dir>      Feature cache directory (env: CALLSCORE_CACHE_DIR, default: refcache)")
	fmt.Println("\nUsage:")
	fmt.Println("  callscore [global-options] add <audio_file.wav> --id <id> [--name <name>]")
	fmt.Println("  callscore [global-options] score <audio_file.wav> --ref <id> [--chunk <samples>]")
	fmt.Println("  callscore [global-options] list")
	fmt.Println("  callscore [global-options] delete <reference_id>")
	fmt.Println("\nExamples:")
	fmt.Println("  # Register a reference call")
	fmt.Println("  callscore add mallard-hen.wav --id mallard-01 --name \"Mallard hen greeting\"")
	fmt.Println()
	fmt.Println("  # Score a practice recording against it")
	fmt.Println("  callscore score practice.wav --ref mallard-01")
}
