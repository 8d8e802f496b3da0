package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"localrag/internal/app"
	"localrag/internal/config"
	"localrag/internal/logging"
	"localrag/internal/tui"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	var rebuild bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/localrag/config.yaml if not provided)")
	flag.BoolVar(&rebuild, "rebuild", false, "Re-index DATA_PATH even if a persisted index exists")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: localrag [-config=config.yaml] [-rebuild] [file|dir|glob ...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	inputs := flag.Args()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// the TUI owns the terminal, so logs go to a file or nowhere
	logger := zap.NewNop()
	if cfg.Log.File != "" {
		if logger, err = logging.New(cfg.Log); err != nil {
			log.Fatalf("failed to build logger: %v", err)
		}
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer a.Close()

	summary, err := prepare(ctx, a, inputs, rebuild)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	m := tui.New(ctx, a, summary)
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Fatal(err)
	}
}

// prepare indexes the given inputs, or readies the persisted index, and
// returns the text shown under the TUI header.
func prepare(ctx context.Context, a *app.App, inputs []string, rebuild bool) (string, error) {
	if len(inputs) > 0 {
		fmt.Println("Processing documents...")
		report, err := a.Ingest(ctx, inputs)
		if report != nil {
			for _, f := range report.Failures {
				fmt.Fprintln(os.Stderr, "  skipped:", f)
			}
		}
		if err != nil {
			return "", err
		}
		return report.Summary, nil
	}

	ready, err := a.Start(ctx, rebuild)
	if err != nil {
		return "", err
	}
	if !ready {
		return fmt.Sprintf("No documents indexed yet. Add files to %s or use /ingest <paths>.", a.Config.Paths.DataPath), nil
	}
	m, _ := a.Manifest()
	return fmt.Sprintf("%d chunks from %d sources (%s)", m.Chunks, len(m.Sources), m.EmbeddingModel), nil
}
