package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markersync/markersync/internal/api"
	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/client"
	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/dispatcher"
	"github.com/markersync/markersync/internal/feed/websocket"
	"github.com/markersync/markersync/internal/geo"
	"github.com/markersync/markersync/internal/logging"
	"github.com/markersync/markersync/internal/worker"
	"github.com/markersync/markersync/pkg/core"
)

// ClientOptions holds the server flags shared by client commands.
type ClientOptions struct {
	Server string
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Server, "server", "", "record service URL (default server.url)")
}

// endpoints returns the record service and feed URLs. An explicit --server
// also moves the feed onto that host.
func (o *ClientOptions) endpoints() (serverURL, feedURL string) {
	if o.Server != "" {
		return o.Server, httpToWS(o.Server) + "/feed"
	}
	return config.GetServerConfig().URL, config.GetFeedConfig().URL
}

// openClient builds a started client for the signed-in viewer.
func (a *app) openClient(ctx context.Context, opts *ClientOptions) (*client.Client, error) {
	logger := a.logger()
	serverURL, feedURL := opts.endpoints()
	clientCfg := config.GetClientConfig()
	feedCfg := config.GetFeedConfig()
	blobCfg := config.GetBlobConfig()

	store := api.New(serverURL, a.session.Token, clientCfg.Timeout)
	c, err := client.New(client.Config{
		Store: store,
		Blobs: store.Blobs(blobCfg.Bucket),
		Transport: websocket.New(websocket.Config{
			URL:    feedURL,
			Token:  a.session.Token,
			Logger: logger,
		}),
		Session:            a.session,
		Topic:              feedCfg.Topic,
		MaxBackoff:         feedCfg.MaxBackoff,
		EchoCacheSize:      clientCfg.EchoCacheSize,
		TombstoneCacheSize: clientCfg.TombstoneCacheSize,
		MaxBlobSize:        blobCfg.MaxSize,
		Logger:             logger,
		DispatchLogger:     logging.NewDispatcherLogger(a.zerologger()),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load markers from "+serverURL, err)
	}
	return c, nil
}

// run dispatches cmds in order and returns the last result.
func run(ctx context.Context, c *client.Client, cmds ...dispatcher.Command) (any, error) {
	var out any
	for _, cmd := range cmds {
		res, err := c.Dispatch(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.Action, err)
		}
		out = res
	}
	return out, nil
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	ClientOptions
	Search string
	Near   string
	Radius float64
}

// NewListCommand creates the list command.
func NewListCommand(a *app) *cobra.Command {
	opts := &ListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the markers visible to the signed-in viewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context(), &opts.ClientOptions)
			if err != nil {
				return err
			}
			defer c.Close()

			svc := c.Service()
			var recs []core.Record
			switch {
			case opts.Near != "":
				center, err := geo.ParsePosition(opts.Near)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --near", err)
				}
				recs = svc.Within(geo.Around(center, opts.Radius))
			case opts.Search != "":
				res, err := run(cmd.Context(), c, dispatcher.Command{
					Action: worker.ActionSearch,
					Args:   strings.Fields(opts.Search),
				})
				if err != nil {
					return err
				}
				recs = res.([]core.Record)
			default:
				recs = svc.Query()
			}
			return a.output(cmd).Success(recs)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Search, "search", "", "keyword matched against label and notes")
	cmd.Flags().StringVar(&opts.Near, "near", "", "only markers around lat,lng")
	cmd.Flags().Float64Var(&opts.Radius, "radius", 0.05, "half-size in degrees of the --near box")

	return cmd
}

// AddOptions holds flags for the add command.
type AddOptions struct {
	ClientOptions
	Public bool
	Image  string
}

// NewAddCommand creates the add command.
func NewAddCommand(a *app) *cobra.Command {
	opts := &AddOptions{}

	cmd := &cobra.Command{
		Use:   "add <lat,lng> <label> [notes]",
		Short: "Add a marker owned by the signed-in viewer",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context(), &opts.ClientOptions)
			if err != nil {
				return err
			}
			defer c.Close()

			vis := core.Private
			if opts.Public {
				vis = core.Public
			}
			notes := ""
			if len(args) > 2 {
				notes = args[2]
			}
			add := dispatcher.Command{
				Action: worker.ActionAdd,
				Args:   []string{args[0], args[1], notes, string(vis)},
			}
			if opts.Image != "" {
				b, err := readImage(opts.Image)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read image", err)
				}
				add.Payload = b
			}

			res, err := run(cmd.Context(), c, add)
			if err != nil {
				return err
			}
			return a.output(cmd).Success(res)
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.Public, "public", false, "make the marker visible to everyone")
	cmd.Flags().StringVar(&opts.Image, "image", "", "image file to attach")

	return cmd
}

// NewMoveCommand creates the move command.
func NewMoveCommand(a *app) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "move <id> <lat,lng>",
		Short: "Move one of your markers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			id := args[0]
			res, err := run(cmd.Context(), c,
				dispatcher.Command{RecordID: id, Action: worker.ActionEdit},
				dispatcher.Command{RecordID: id, Action: worker.ActionDragStart},
				dispatcher.Command{RecordID: id, Action: worker.ActionDragEnd, Args: []string{args[1]}},
				dispatcher.Command{RecordID: id, Action: worker.ActionConfirmPosition},
			)
			if err != nil {
				return err
			}
			if _, err := run(cmd.Context(), c, dispatcher.Command{RecordID: id, Action: worker.ActionCancel}); err != nil {
				return err
			}
			return a.output(cmd).Success(res)
		},
	}

	opts.bind(cmd)
	return cmd
}

// EditOptions holds flags for the edit command.
type EditOptions struct {
	ClientOptions
	Image       string
	RemoveImage bool
}

// NewEditCommand creates the edit command.
func NewEditCommand(a *app) *cobra.Command {
	opts := &EditOptions{}

	cmd := &cobra.Command{
		Use:   "edit <id> [label=..] [notes=..] [visibility=..]",
		Short: "Change the fields or the image of one of your markers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Image != "" && opts.RemoveImage {
				return NewExitError(ExitCommandError, "--image and --remove-image are exclusive")
			}
			c, err := a.openClient(cmd.Context(), &opts.ClientOptions)
			if err != nil {
				return err
			}
			defer c.Close()

			id := args[0]
			cmds := []dispatcher.Command{{RecordID: id, Action: worker.ActionEdit}}
			if len(args) > 1 {
				cmds = append(cmds, dispatcher.Command{RecordID: id, Action: worker.ActionSetFields, Args: args[1:]})
			}
			switch {
			case opts.Image != "":
				b, err := readImage(opts.Image)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read image", err)
				}
				cmds = append(cmds, dispatcher.Command{RecordID: id, Action: worker.ActionSetAttachment, Payload: b})
			case opts.RemoveImage:
				cmds = append(cmds, dispatcher.Command{RecordID: id, Action: worker.ActionRemoveAttachment})
			}
			cmds = append(cmds, dispatcher.Command{RecordID: id, Action: worker.ActionSave})

			res, err := run(cmd.Context(), c, cmds...)
			if err != nil {
				_, _ = c.Dispatch(cmd.Context(), dispatcher.Command{RecordID: id, Action: worker.ActionCancel})
				return err
			}
			return a.output(cmd).Success(res)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Image, "image", "", "replace the image with this file")
	cmd.Flags().BoolVar(&opts.RemoveImage, "remove-image", false, "remove the image")

	return cmd
}

// NewToggleCommand creates the toggle command.
func NewToggleCommand(a *app) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "toggle <id> [public|private]",
		Short: "Flip or set the visibility of one of your markers",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := run(cmd.Context(), c, dispatcher.Command{
				RecordID: args[0],
				Action:   worker.ActionSetVisibility,
				Args:     args[1:],
			})
			if err != nil {
				return err
			}
			return a.output(cmd).Success(res)
		},
	}

	opts.bind(cmd)
	return cmd
}

// NewRemoveCommand creates the rm command.
func NewRemoveCommand(a *app) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete one of your markers and its image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := run(cmd.Context(), c, dispatcher.Command{RecordID: args[0], Action: worker.ActionDelete}); err != nil {
				return err
			}
			return a.output(cmd).Success("Deleted " + args[0])
		},
	}

	opts.bind(cmd)
	return cmd
}

func readImage(path string) (attachment.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.Blob{}, err
	}
	return attachment.Blob{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Name:        filepath.Base(path),
	}, nil
}
