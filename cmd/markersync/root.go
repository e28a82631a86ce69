package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/logging"
	intOtel "github.com/markersync/markersync/internal/otel"
	"github.com/markersync/markersync/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	Token     string
	Format    string // "json" | "text"
	Verbose   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// app is the per-invocation process state shared by subcommands.
type app struct {
	opts         *RootOptions
	sessionStart time.Time

	log     *slog.Logger
	logs    *logging.SlogManager
	otel    *intOtel.Provider
	logFile *os.File
	graylog *gelf.Writer
	session *session.Provider
}

// NewRootCommand creates the root command for the markersync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	a := &app{
		opts:         opts,
		sessionStart: time.Now(),
		logs:         logging.NewSlogManager(),
		session:      session.NewProvider(),
	}

	cmd := &cobra.Command{
		Use:   "markersync",
		Short: "Shared map markers with a live local replica",
		Long: `markersync keeps a local replica of geo-tagged marker records in step with
a record service through its change feed.

"serve" runs the record service. The other commands talk to it as a client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", "", "directory containing "+config.FileName)
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "session token (default $MARKERSYNC_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewServeCommand(a))
	cmd.AddCommand(NewTokenCommand(a))
	cmd.AddCommand(NewListCommand(a))
	cmd.AddCommand(NewAddCommand(a))
	cmd.AddCommand(NewMoveCommand(a))
	cmd.AddCommand(NewEditCommand(a))
	cmd.AddCommand(NewToggleCommand(a))
	cmd.AddCommand(NewRemoveCommand(a))
	cmd.AddCommand(NewWatchCommand(a))

	return cmd
}

// longRunning commands log to a file in logsDir as well as the console.
func longRunning(cmd *cobra.Command) bool {
	return cmd.Annotations["logs"] == "file"
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.Load(a.opts.ConfigDir); err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := viper.GetString("logLevel")
	if a.opts.Verbose {
		level = "debug"
	}

	opts := logging.Options{
		Level:       level,
		Console:     true,
		ServiceName: config.GetOTelConfig().ServiceName,
		Context:     logging.ViewerContext(a.session.Current),
	}

	if longRunning(cmd) {
		path := logging.LogFilePath(viper.GetString("logsDir"), "markersync-"+cmd.Name(), a.sessionStart)
		f, err := logging.OpenLogFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		a.logFile = f
		opts.File = f
	}

	if gc := config.GetGraylogConfig(); gc.Enabled {
		w, err := logging.NewGraylogWriter(gc.Address, gc.Facility)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Failed to initialize Graylog writer:", err)
		} else {
			a.graylog = w
			opts.Graylog = w
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		var w io.Writer
		if a.logFile != nil {
			w = a.logFile
		}
		p, err := intOtel.New(cmd.Context(), intOtel.Config{
			Enabled:      true,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			Process:      cmd.Name(),
			LogWriter:    w,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Failed to initialize OTel provider:", err)
		} else {
			a.otel = p
			opts.Provider = p.LoggerProvider()
		}
	}

	a.logs.Setup(opts)
	a.log = a.logs.Logger()
	if a.logFile != nil {
		a.log.Info("Logging to file", "path", a.logFile.Name())
	}

	tok := a.opts.Token
	if tok == "" {
		tok = viper.GetString("token")
	}
	if tok != "" {
		if err := a.session.Set(tok); err != nil {
			return WrapExitError(ExitCommandError, "invalid session token", err)
		}
	}
	return nil
}

func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.logs.Flush(ctx); err != nil {
		a.logger().Warn("Failed to flush logs", "error", err)
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger().Warn("Failed to shut down OTel provider", "error", err)
		}
	}
	if a.graylog != nil {
		if err := a.graylog.Close(); err != nil {
			a.logger().Warn("Failed to close Graylog writer", "error", err)
		}
	}
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

func (a *app) logger() *slog.Logger {
	if a.log == nil {
		return slog.Default()
	}
	return a.log
}

// zerologger returns the JSON logger used for database and command logs.
func (a *app) zerologger() zerolog.Logger {
	var w io.Writer = os.Stderr
	if a.logFile != nil {
		w = a.logFile
	}
	level := viper.GetString("logLevel")
	if a.opts.Verbose {
		level = "debug"
	}
	return logging.NewZerolog(w, level)
}

func (a *app) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    a.opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}
