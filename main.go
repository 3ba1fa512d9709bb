package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"

	"lanpair/config"
	"lanpair/logging"
	"lanpair/storage"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	opts struct {
		LogLevel string `long:"log-level" description:"Override the configured log level (ERROR, WARN, INFO, DEBUG)"`
		NoColor  bool   `long:"no-color" description:"Disable colored log output"`
	}
	parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

	// ErrExtraArgs is returned when a command gets positional arguments.
	ErrExtraArgs = fmt.Errorf("too many arguments for command")
)

const (
	shortHelp = "Pair two devices on the LAN for an MPC ceremony"
	longHelp  = `
lanpair finds a second device on the local network, agrees on which
device hosts the relay, exchanges an encrypted session payload, and hands
both devices off to the external keygen or co-signing ceremony.
`
)

func main() {
	if err := parseArgs(os.Args[1:]); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(Stdout, err)
			return
		}
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) error {
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp

	_, err := parser.ParseArgs(args)
	return err
}

// env is the per-invocation state shared by the commands.
type env struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	log     logging.Logger
	store   *storage.Store
}

func loadEnv() (*env, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.New(level, !opts.NoColor)

	dataDir := filepath.Dir(cfgPath)
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	store.SetAttemptRetention(cfg.HistoryRetention())
	if pruned, err := store.PruneAttempts(time.Now().Add(-cfg.HistoryRetention()).UnixMilli()); err != nil {
		logger.Warn(fmt.Sprintf("history prune failed: %v", err))
	} else if pruned > 0 {
		logger.Debug(fmt.Sprintf("pruned %d old attempts", pruned))
	}

	return &env{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		log:     logger,
		store:   store,
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.Warn(fmt.Sprintf("history close error: %v", err))
	}
}
