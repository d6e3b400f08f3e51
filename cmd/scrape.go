package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/placepool/internal/application"
	"github.com/bnema/placepool/internal/domain"
)

func newScrapeCmd(app *app) *cobra.Command {
	var (
		sessionID  string
		offset     int
		maxPages   int
		maxRecords int
		debug      bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "scrape <collection-url>",
		Short: "Extract the places of a saved collection through a pooled session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := application.ExtractionRequest{
				Target:    strings.TrimSpace(args[0]),
				SessionID: domain.SessionID(strings.TrimSpace(sessionID)),
				Offset:    offset,
				Debug:     debug,
				MaxPages:  maxPages,
			}

			var result application.ExtractionResult
			if asJSON {
				result = app.extraction.Run(cmd.Context(), req)
			} else {
				label := "Extracting collection " + sanitizeForTerminal(req.Target)
				err := runWithSpinner(cmd.Context(), cmd.ErrOrStderr(), label, func(ctx context.Context) error {
					result = app.extraction.Run(ctx, req)
					return nil
				})
				if err != nil {
					return err
				}
			}

			if debug && !asJSON {
				writeDebugSummaries(cmd, result)
			}
			if err := writeExtractionOutput(cmd, app, result, maxRecords, asJSON); err != nil {
				return err
			}

			return outcomeError(result)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume this pooled session whatever its status; falls back to the pool when it is no longer stored")
	cmd.Flags().IntVar(&offset, "offset", 0, "Zero-based index of the first wanted item")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Pages to walk (default from config)")
	cmd.Flags().IntVar(&maxRecords, "limit", 50, "Records shown in text output (0 shows all)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Capture page diagnostics")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

// outcomeError maps unsuccessful outcomes to a non-zero exit.
func outcomeError(result application.ExtractionResult) error {
	switch result.Outcome {
	case application.OutcomeOK, application.OutcomePartial:
		return nil
	case application.OutcomeExhausted, application.OutcomeThrottled:
		return fmt.Errorf("extraction %s: retry after %s", result.Outcome, result.RetryAfter)
	default:
		return fmt.Errorf("extraction %s: %s", result.Outcome, result.Error)
	}
}
