package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/placepool/internal/adapters/render/status"
	"github.com/bnema/placepool/internal/application"
	"github.com/bnema/placepool/internal/domain"
)

type poolListing struct {
	Stats    application.PoolStats  `json:"stats"`
	Sessions []domain.PooledSession `json:"sessions"`
}

func writeJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func writePoolOutput(cmd *cobra.Command, app *app, sessions []domain.PooledSession, stats application.PoolStats, asJSON bool) error {
	if asJSON {
		if sessions == nil {
			sessions = []domain.PooledSession{}
		}
		return writeJSON(cmd, poolListing{Stats: stats, Sessions: sessions})
	}

	rendered, err := app.poolRenderer(sessions, stats, statusadapter.RenderOptions{Now: app.now()})
	if err != nil {
		return fmt.Errorf("render pool: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func writeExtractionOutput(cmd *cobra.Command, app *app, result application.ExtractionResult, maxRecords int, asJSON bool) error {
	if asJSON {
		if result.Records == nil {
			result.Records = []domain.PlaceRecord{}
		}
		return writeJSON(cmd, result)
	}

	rendered, err := app.extractionRenderer(result, statusadapter.RenderOptions{Now: app.now(), MaxRecords: maxRecords})
	if err != nil {
		return fmt.Errorf("render extraction: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func writeDebugSummaries(cmd *cobra.Command, result application.ExtractionResult) {
	for _, capture := range result.Debug {
		summary := capture.Summary
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "debug: %s title=%q cards=%d records=%d blob=%t range=%q next=%s empty=%t\n",
			sanitizeForTerminal(capture.URL),
			sanitizeForTerminal(summary.Title),
			summary.CardCount,
			summary.RecordCount,
			summary.BlobPresent,
			sanitizeForTerminal(summary.RangeText),
			summary.NextControl,
			summary.Empty,
		)
	}
}

func sanitizeForTerminal(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
}
