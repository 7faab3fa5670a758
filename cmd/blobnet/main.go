package main

import (
	"flag"
	"fmt"
	"os"

	"blobnet/internal/committee"
	"blobnet/internal/logger"
)

// Config holds the CLI configuration.
type Config struct {
	// CommitteePath is the path to the committee snapshot JSON.
	CommitteePath string

	// Dev enables the extended developer output.
	Dev bool
}

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	if cfg.CommitteePath == "" {
		return fmt.Errorf("a committee snapshot is required (-committee)")
	}

	cttee, err := committee.Load(cfg.CommitteePath)
	if err != nil {
		return fmt.Errorf("load committee:\n%w", err)
	}

	return printInfo(os.Stdout, cttee, cfg.Dev)
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.CommitteePath, "committee", "", "Committee snapshot JSON path")
	flag.BoolVar(&cfg.Dev, "dev", false, "Print extended encoding and BFT details")
	flag.Parse()

	return cfg
}
