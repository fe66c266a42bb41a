package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/iliyamo/auction-bidding/internal/database"
	"github.com/iliyamo/auction-bidding/internal/utils"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the MySQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(root)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DB)
			if err != nil {
				return errors.Wrap(err, "open mysql")
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.WithField("statements", len(database.Statements())).Info("schema applied")
			return nil
		},
	}
}

// newRebuildCommand runs one rebuild from outside the server. It cannot
// pause bids on a running server, so use it while servers are stopped
// (consumers elsewhere, or an empty backlog, let the drain finish) and
// prefer POST /v1/admin/rebuild-cache otherwise.
func newRebuildCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rebuild-cache",
		Short: "Drain the write-behind backlog and rebuild the fast-path mirror from MySQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(root)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			in, err := openInfra(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := newCoordinator(cfg, in, in.backlog(nil), log).Rebuild(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "mirror rebuilt")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

// newTokenCommand mints an access token. Identity is issued upstream in
// production; this is for operators and local testing.
func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		userID uint64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(root)
			if err != nil {
				return err
			}
			tok, err := utils.NewAccessToken(cfg.JWT.Secret, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "subject user id (required)")
	cmd.Flags().StringVar(&role, "role", "USER", "role claim (USER or ADMIN)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
