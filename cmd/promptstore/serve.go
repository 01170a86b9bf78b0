package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/texel/promptstore/pkg/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prompt store HTTP server",
	Long: `Start the prompt store HTTP server.

The server provides:
  - /api/v1/documents  - documents by key, with ETag preconditions
  - /api/v1/catalog    - the client catalog
  - /api/v1/clients/{code}/index - per-client prompt indexes
  - /api/v1/chat/completions     - chat proxy with stored prompts
  - /health, /version

Examples:
  promptstore serve                  # Port from config (default 8080)
  promptstore serve --port 3000      # Override the port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if servePort > 0 {
			cfg.Port = servePort
		}

		log.Info().Str("version", cfg.Version).Msg("Promptstore starting")

		srv, err := server.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize server: %w", err)
		}

		httpServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", srv.Port),
			Handler:      srv.Handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: cfg.Chat.Timeout + 10*time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Int("port", srv.Port).Msg("Promptstore listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				srv.Close(context.Background())
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
		}

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		return srv.Close(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
