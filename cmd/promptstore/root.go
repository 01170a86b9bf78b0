package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/texel/promptstore/internal/config"
	"github.com/texel/promptstore/internal/store"
	"github.com/texel/promptstore/pkg/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	outputFormat string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "promptstore",
	Short: "Prompt document store with an LLM chat proxy",
	Long: `Promptstore keeps per-client prompt documents, prompt indexes and the
client catalog in a blob store (in-memory or S3) and serves them over HTTP
with ETag concurrency control.

Besides "serve", every command works directly against the configured
backend, which makes them useful for seeding, backups and cleanup.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./promptstore.yaml or ~/.promptstore/promptstore.yaml)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if c.Version == "" || version != "dev" {
			c.Version = version
		}
		cfg = c
		setupLogging(cfg, cmd.ErrOrStderr())
		return setOutputFormat(outputFormat)
	}
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(c *config.Config, w io.Writer) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
}

// openStore builds a store on the configured backend. The caller closes the
// returned closer so the memory backend can flush its snapshot.
func openStore(cmd *cobra.Command) (*store.Store, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return server.NewStore(cmd.Context(), cfg)
}

// readInput reads a document from path, or from stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
