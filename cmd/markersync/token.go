package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/session"
	"github.com/markersync/markersync/pkg/core"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	Admin bool
	TTL   time.Duration
}

// TokenResult is the output of the token command.
type TokenResult struct {
	Token   string    `json:"token"`
	Viewer  string    `json:"viewer"`
	Admin   bool      `json:"admin,omitempty"`
	Expires time.Time `json:"expires"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(a *app) *cobra.Command {
	opts := &TokenOptions{}

	cmd := &cobra.Command{
		Use:   "token <viewer-id>",
		Short: "Mint a session token signed with auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.token(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Admin, "admin", false, "grant the admin view")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default auth.tokenTTL)")

	return cmd
}

func (a *app) token(cmd *cobra.Command, opts *TokenOptions, id string) error {
	authCfg := config.GetAuthConfig()
	if authCfg.Secret == "" {
		return NewExitError(ExitCommandError, "auth.secret must be set to sign tokens")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = authCfg.TokenTTL
	}

	v := core.Viewer{ID: id, Admin: opts.Admin}
	tok, exp, err := session.IssueToken([]byte(authCfg.Secret), v, ttl, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}

	out := a.output(cmd)
	if out.Format == "json" {
		return out.Success(TokenResult{Token: tok, Viewer: id, Admin: opts.Admin, Expires: exp})
	}
	return out.Success(tok)
}
