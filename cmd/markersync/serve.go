package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markersync/markersync/internal/api"
	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/database"
	"github.com/markersync/markersync/internal/feed/hub"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(a *app) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record service with its change feed and blob store",
		Long: `Run the record service.

Records are kept in the configured storage backend (memory, sqlite or
postgres). Every committed change is published on the WebSocket feed at
/feed. Attachments are stored under /blobs/<bucket>/<owner>/....`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"logs": "file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default server.listen)")

	return cmd
}

func (a *app) serve(cmd *cobra.Command, opts *ServeOptions) error {
	logger := a.logger()

	authCfg := config.GetAuthConfig()
	if authCfg.Secret == "" {
		return NewExitError(ExitCommandError, "auth.secret must be set to verify session tokens")
	}

	feedCfg := config.GetFeedConfig()
	h := hub.New(feedCfg.Topic, feedCfg.BufferSize, logger)
	defer h.Close()

	backend, err := createStorageBackend(
		config.GetStorageConfig(),
		config.GetDBConfig(),
		database.NewManager(a.zerologger()),
		h,
		logger,
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create storage backend", err)
	}
	if err := backend.Init(); err != nil {
		return WrapExitError(ExitFailure, "failed to initialize storage backend", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	blobCfg := config.GetBlobConfig()
	blobs, err := createBlobStore(blobCfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create blob store", err)
	}

	srv := api.NewServer(api.ServerConfig{
		Store:       backend,
		Blobs:       blobs,
		Bucket:      blobCfg.Bucket,
		MaxBlobSize: blobCfg.MaxSize,
		Feed:        h,
		Secret:      []byte(authCfg.Secret),
		Logger:      logger,
	})

	listen := opts.Listen
	if listen == "" {
		listen = config.GetServerConfig().Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Serving markers", "addr", listen, "topic", feedCfg.Topic)
	if err := srv.ListenAndServe(ctx, listen); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	logger.Info("Server stopped")
	return nil
}
