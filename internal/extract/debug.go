package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

const markdownExcerptLimit = 2000

// DebugCapture is the diagnostic record kept for a page when debug is on.
type DebugCapture struct {
	URL     string       `json:"url"`
	Markup  string       `json:"markup"`
	Summary DebugSummary `json:"summary"`
}

type DebugSummary struct {
	Title       string `json:"title"`
	CardCount   int    `json:"cardCount"`
	RecordCount int    `json:"recordCount"`
	BlobPresent bool   `json:"blobPresent"`
	RangeText   string `json:"rangeText,omitempty"`
	NextControl string `json:"nextControl"`
	Empty       bool   `json:"empty"`
	Markdown    string `json:"markdown,omitempty"`
}

var markdownConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Capture builds the debug record for markup. The structural summary is
// always filled; a markdown conversion failure is returned alongside it.
func Capture(markup, pageURL string, snap Snapshot) (DebugCapture, error) {
	capture := DebugCapture{
		URL:    pageURL,
		Markup: markup,
		Summary: DebugSummary{
			Title:       snap.Title,
			CardCount:   snap.CardCount,
			RecordCount: len(snap.Cards),
			BlobPresent: snap.BlobPresent,
			RangeText:   snap.RangeText,
			NextControl: snap.Next.String(),
			Empty:       snap.Empty,
		},
	}

	if strings.TrimSpace(markup) == "" {
		return capture, nil
	}

	md, err := markdownConverter.ConvertString(markup, converter.WithDomain(pageURL))
	if err != nil {
		return capture, fmt.Errorf("convert markup to markdown: %w", err)
	}
	capture.Summary.Markdown = excerpt(strings.TrimSpace(md), markdownExcerptLimit)

	return capture, nil
}

func excerpt(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "…"
}
