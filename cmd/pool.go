package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/placepool/internal/domain"
)

func newPoolCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage pooled browser sessions",
	}

	cmd.AddCommand(
		newPoolListCmd(app),
		newPoolAcquireCmd(app),
		newPoolReleaseCmd(app),
		newPoolRemoveCmd(app),
		newPoolPruneCmd(app),
	)

	return cmd
}

func newPoolListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "Show pooled sessions and capacity",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := app.pool.List(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := app.pool.Stats(cmd.Context())
			if err != nil {
				return err
			}

			return writePoolOutput(cmd, app, sessions, stats, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newPoolAcquireCmd(app *app) *cobra.Command {
	var (
		sessionID   string
		resourceKey string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Lease a session and leave it busy until released",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lease, err := app.pool.Acquire(cmd.Context(), domain.SessionID(strings.TrimSpace(sessionID)), resourceKey)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, lease)
			}

			verb := "Created"
			if lease.Reused {
				verb = "Reused"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s session %s\n", verb, sanitizeForTerminal(string(lease.SessionID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume this session when it is idle")
	cmd.Flags().StringVar(&resourceKey, "key", "", "Informational resource key stored with the session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newPoolReleaseCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release <session-id>",
		Short: "Mark a session idle so it can be reused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.SessionID(strings.TrimSpace(args[0]))
			if err := app.pool.Release(cmd.Context(), id); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released session %s\n", sanitizeForTerminal(string(id)))
			return nil
		},
	}
}

func newPoolRemoveCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <session-id>",
		Aliases: []string{"rm"},
		Short:   "Forget a session and close its browser so its slot is freed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.SessionID(strings.TrimSpace(args[0]))
			if err := app.pool.Remove(cmd.Context(), id); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s\n", sanitizeForTerminal(string(id)))
			return nil
		},
	}
}

func newPoolPruneCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Close browsers whose pool entries have expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pruned, err := app.pool.Prune(cmd.Context())
			if err != nil {
				return err
			}

			noun := "sessions"
			if pruned == 1 {
				noun = "session"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Closed %d orphaned %s\n", pruned, noun)
			return nil
		},
	}
}
