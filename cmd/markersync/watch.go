package main

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markersync/markersync/internal/channel"
	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/influx"
	"github.com/markersync/markersync/internal/monitor"
	"github.com/markersync/markersync/internal/reconcile"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(a *app) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the change feed and print every replica change",
		Long: `Follow the change feed and print every replica change.

Local changes are printed once even though the feed echoes them back.
A status sample is written to <logsDir>/status.json on every monitor
interval, and to InfluxDB when influx.enabled is set.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"logs": "file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, opts)
		},
	}

	opts.bind(cmd)
	return cmd
}

func (a *app) watch(cmd *cobra.Command, opts *ClientOptions) error {
	logger := a.logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.openClient(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	out := a.output(cmd)
	if err := out.Success(c.Service().Query()); err != nil {
		return err
	}

	changes := channel.NewBuffered[reconcile.Change](64)
	defer changes.Close()
	unsubscribe := c.OnChange(func(ch reconcile.Change) {
		if !changes.TrySend(ch) {
			logger.Warn("Dropping change notification, output is behind", "id", ch.ID, "dropped", changes.Dropped())
		}
	})
	defer unsubscribe()

	monDeps := c.Monitor()
	monDeps.Interval = config.GetMonitorConfig().Interval
	monDeps.StatusPath = filepath.Join(viper.GetString("logsDir"), "status.json")

	im := influx.NewManager(config.GetInfluxConfig(), filepath.Join(viper.GetString("logsDir"), "influx-backup.lp.gz"), a.zerologger())
	switch err := im.Connect(ctx); {
	case err == nil:
		monDeps.Points = im
		defer func() {
			if err := im.Close(); err != nil {
				logger.Warn("Failed to close InfluxDB writer", "error", err)
			}
		}()
	case errors.Is(err, influx.ErrDisabled):
	default:
		logger.Error("Failed to connect to InfluxDB", "error", err)
	}

	mon := monitor.NewService(monDeps)
	mon.Start(ctx)
	defer mon.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopped watching")
			return nil
		case ch := <-changes.Receive():
			var err error
			switch ch.Kind {
			case reconcile.ChangeUpsert:
				rec := ch.Record
				err = out.Event("upsert", &rec, ch.ID)
			case reconcile.ChangeRemove:
				err = out.Event("remove", nil, ch.ID)
			case reconcile.ChangeReset:
				err = out.Success(c.Service().Query())
			}
			if err != nil {
				return err
			}
		}
	}
}
