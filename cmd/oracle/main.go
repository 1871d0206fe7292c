// Command oracle is the entry point for the cycle settlement engine. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the application in the configured mode.
//
// Usage:
//
//	oracle [-config config.toml]
//	oracle encrypt-key -out oracle.key.json
//
// encrypt-key seals ORACLE_WALLET_PRIVATE_KEY with ORACLE_WALLET_KEY_PASSWORD
// and writes the result to the -out path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/romankoyan-pixel/scandal-oracle/internal/app"
	"github.com/romankoyan-pixel/scandal-oracle/internal/config"
	"github.com/romankoyan-pixel/scandal-oracle/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing file at the default path falls back to defaults plus env.
	path := *configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !flagSet("config") {
		logger.Warn("config file not found; using defaults and environment",
			slog.String("path", path),
		)
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("oracle starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", path),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("oracle stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func encryptKey(args []string) error {
	fset := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fset.String("out", "oracle.key.json", "path of the encrypted key file")
	if err := fset.Parse(args); err != nil {
		return err
	}

	key := os.Getenv("ORACLE_WALLET_PRIVATE_KEY")
	password := os.Getenv("ORACLE_WALLET_KEY_PASSWORD")
	if key == "" {
		return errors.New("ORACLE_WALLET_PRIVATE_KEY is not set")
	}

	data, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}
