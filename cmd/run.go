package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/placepool/internal/domain"
)

const releaseTimeout = 30 * time.Second

func newRunCmd(app *app) *cobra.Command {
	var (
		sessionID   string
		resourceKey string
	)

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command with a leased session in PP_SESSION_ID",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run requires a command after '--'")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			lease, err := app.pool.Acquire(cmd.Context(), domain.SessionID(strings.TrimSpace(sessionID)), resourceKey)
			if err != nil {
				return err
			}

			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), releaseTimeout)
				defer cancel()
				if releaseErr := app.pool.Release(releaseCtx, lease.SessionID); releaseErr != nil && err == nil {
					err = fmt.Errorf("release session: %w", releaseErr)
				}
			}()

			child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			child.Stdin = cmd.InOrStdin()
			child.Env = append(os.Environ(),
				"PP_SESSION_ID="+string(lease.SessionID),
				fmt.Sprintf("PP_SESSION_REUSED=%t", lease.Reused),
			)

			if err := child.Run(); err != nil {
				return fmt.Errorf("run child command: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume this session when it is idle")
	cmd.Flags().StringVar(&resourceKey, "key", "", "Informational resource key stored with the session")

	return cmd
}
