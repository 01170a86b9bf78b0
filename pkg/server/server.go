// Package server provides the public entry point for initializing the
// prompt store server.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// compose the server with their own middleware in front of it.
//
// Usage:
//
//	cfg, _ := config.Load("")
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/internal/api"
	"github.com/texel/promptstore/internal/api/handlers"
	"github.com/texel/promptstore/internal/beacon"
	"github.com/texel/promptstore/internal/blob"
	"github.com/texel/promptstore/internal/chat"
	"github.com/texel/promptstore/internal/config"
	"github.com/texel/promptstore/internal/store"
	"github.com/texel/promptstore/internal/telemetry"
	"github.com/texel/promptstore/pkg/contracts"
)

// Server holds the initialized prompt store.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the document store the handlers use.
	Store *store.Store

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	beacon  *beacon.Poster
	closeFn func(context.Context) error
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenBlobs builds the configured blob backend wrapped in tracing. The
// returned closer releases backend resources and is never nil.
func OpenBlobs(ctx context.Context, cfg *config.Config) (contracts.BlobAccessor, io.Closer, error) {
	switch backend := strings.ToLower(cfg.Storage.Backend); backend {
	case "", "memory":
		mem := blob.NewMemory(cfg.Storage.SnapshotPath)
		log.Info().Str("snapshot", cfg.Storage.SnapshotPath).Msg("In-memory blob store initialized")
		return blob.WithTracing(mem, "memory"), mem, nil
	case "s3":
		s3, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			Prefix:          cfg.Storage.S3.Prefix,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return blob.WithTracing(s3, "s3"), nopCloser{}, nil
	default:
		return nil, nil, contracts.Misconfigured(fmt.Sprintf("unknown storage backend %q", backend))
	}
}

// NewStore opens the configured backend and builds a store on it.
func NewStore(ctx context.Context, cfg *config.Config) (*store.Store, io.Closer, error) {
	blobs, closer, err := OpenBlobs(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s := store.New(blobs, store.Options{
		CatalogKey:    cfg.CatalogKey,
		DeleteTimeout: cfg.DeleteTimeout,
	})
	return s, closer, nil
}

// New initializes every component and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	docs, closer, err := NewStore(ctx, cfg)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	log.Info().Str("catalog", docs.CatalogKey()).Msg("Prompt store initialized")

	poster := beacon.New(beacon.Config{
		URL:     cfg.Beacon.URL,
		Token:   cfg.Beacon.Token,
		Timeout: cfg.Beacon.Timeout,
	})

	proxy := chat.New(chat.Config{
		APIKey:       cfg.Chat.APIKey,
		BaseURL:      cfg.Chat.BaseURL,
		DefaultModel: cfg.Chat.DefaultModel,
		MaxRetries:   cfg.Chat.MaxRetries,
		Timeout:      cfg.Chat.Timeout,
	}, docs, poster)
	if cfg.Chat.APIKey == "" {
		log.Warn().Msg("Chat API key not set, /api/v1/chat/completions will answer 503")
	}

	h := handlers.New(docs, proxy)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler: router,
		Store:   docs,
		Config:  cfg,
		Port:    cfg.Port,
		beacon:  poster,
		closeFn: func(ctx context.Context) error { return errors.Join(closer.Close(), shutdown(ctx)) },
	}, nil
}

// Close drains pending beacon events, flushes the blob backend and stops
// tracing.
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(s.beacon.Close(ctx), s.closeFn(ctx))
}
