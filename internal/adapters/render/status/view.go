package status

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/placepool/internal/application"
	"github.com/bnema/placepool/internal/domain"
)

type RenderOptions struct {
	Now time.Time
	// MaxRecords caps the record lines of an extraction view; 0 shows all.
	MaxRecords int
}

func renderPoolView(sessions []domain.PooledSession, stats application.PoolStats, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Browser Session Pool"),
		capacityLine(stats, s),
	}

	if len(sessions) == 0 {
		lines = append(lines, s.empty.Render("No pooled sessions."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, session := range sessions {
		lines = append(lines, s.section.Render(renderSession(session, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func capacityLine(stats application.PoolStats, s styles) string {
	used := 0.0
	if stats.Capacity > 0 {
		used = float64(stats.Total) / float64(stats.Capacity) * 100
	}

	header := s.header.Render(fmt.Sprintf("sessions: %d/%d", stats.Total, stats.Capacity))
	counts := s.meta.Render(fmt.Sprintf("(idle %d, busy %d)", stats.Idle, stats.Busy))
	line := lipgloss.JoinHorizontal(lipgloss.Top, header, " ", renderProgressBar(used, 16, s), " ", counts)

	if stats.Capacity > 0 && stats.Total > stats.Capacity {
		line += " " + s.warning.Render("[over capacity]")
	}
	return line
}

func renderSession(session domain.PooledSession, opts RenderOptions, s styles) string {
	parts := []string{
		lipgloss.JoinHorizontal(lipgloss.Top,
			s.session.Render(sanitize(string(session.ID))),
			" ",
			statusLabel(session.Status, s),
		),
		s.detail.Render(fmt.Sprintf("%s %s", s.key.Render("created:"), formatRelative(session.CreatedAt, opts.Now))),
		s.detail.Render(fmt.Sprintf("%s %s", s.key.Render("last used:"), formatRelative(session.LastUsedAt, opts.Now))),
	}

	if key := strings.TrimSpace(session.ResourceKey); key != "" {
		parts = append(parts, s.meta.Render("resource: "+sanitize(key)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func statusLabel(status domain.SessionStatus, s styles) string {
	switch status {
	case domain.SessionStatusIdle:
		return s.idle.Render("[idle]")
	case domain.SessionStatusBusy:
		return s.busy.Render("[busy]")
	default:
		return s.warning.Render("[" + sanitize(string(status)) + "]")
	}
}

func renderExtractionView(result application.ExtractionResult, opts RenderOptions, s styles) string {
	lines := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, s.title.Render("Extraction"), " ", outcomeLabel(result, s)),
		s.header.Render(fmt.Sprintf("records: %d  pages: %d  elapsed: %s", len(result.Records), result.Pages, result.Elapsed.Round(time.Millisecond))),
	}

	if cursor := cursorLine(result.Cursor); cursor != "" {
		lines = append(lines, s.detail.Render(cursor))
	}
	if name := collectionLine(result.Collection); name != "" {
		lines = append(lines, s.detail.Render(name))
	}
	if result.SessionID != "" {
		lines = append(lines, s.meta.Render("session: "+sanitize(string(result.SessionID))))
	}
	if result.Error != "" {
		failedAt := result.FailedAt
		if failedAt == "" {
			failedAt = result.Stage
		}
		lines = append(lines, s.warning.Render(fmt.Sprintf("error at %s: %s", failedAt, sanitize(result.Error))))
	}
	if result.RetryAfter > 0 {
		lines = append(lines, s.warning.Render("retry after "+result.RetryAfter.String()))
	}

	if len(result.Records) == 0 {
		lines = append(lines, s.empty.Render("No records."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	records := result.Records
	if opts.MaxRecords > 0 && len(records) > opts.MaxRecords {
		records = records[:opts.MaxRecords]
	}

	recordLines := make([]string, 0, len(records)+1)
	for i, record := range records {
		recordLines = append(recordLines, recordLine(result.Cursor.StartIndex+i, record, s))
	}
	if hidden := len(result.Records) - len(records); hidden > 0 {
		recordLines = append(recordLines, s.empty.Render(fmt.Sprintf("… %d more", hidden)))
	}

	lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, recordLines...)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func outcomeLabel(result application.ExtractionResult, s styles) string {
	label := "[" + string(result.Outcome) + "]"
	switch result.Outcome {
	case application.OutcomeOK:
		return s.ok.Render(label)
	case application.OutcomePartial:
		return s.busy.Render(label)
	default:
		return s.warning.Render(label)
	}
}

func cursorLine(cursor domain.PageCursor) string {
	if cursor.TotalCount == 0 && cursor.EndIndex == 0 {
		return ""
	}

	line := fmt.Sprintf("items %d-%d of %d", cursor.StartIndex, cursor.EndIndex, cursor.TotalCount)
	if cursor.HasNextPage {
		line += " (more available)"
	}
	return line
}

func collectionLine(meta domain.CollectionMeta) string {
	if meta.IsZero() {
		return ""
	}

	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = meta.ID
	}
	if meta.TotalCount != nil {
		return fmt.Sprintf("collection: %s (%d saved)", sanitize(name), *meta.TotalCount)
	}
	return "collection: " + sanitize(name)
}

func recordLine(index int, record domain.PlaceRecord, s styles) string {
	parts := []string{
		s.meta.Render(fmt.Sprintf("%4d.", index)),
		s.detail.Render(sanitize(record.Name)),
	}

	if record.Rating != nil {
		rating := strconv.FormatFloat(*record.Rating, 'f', 1, 64) + "★"
		if record.ReviewCount != nil {
			rating += fmt.Sprintf(" (%d)", *record.ReviewCount)
		}
		parts = append(parts, s.busy.Render(rating))
	}
	if record.Note != "" {
		parts = append(parts, s.meta.Render("· "+sanitize(record.Note)))
	}

	return strings.Join(parts, " ")
}

func renderProgressBar(usedPercent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	used := clampPercent(usedPercent)
	filled := int(math.Round(float64(width) * used / 100.0))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatRelative(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	if elapsed < time.Minute {
		return "just now"
	}
	if elapsed < time.Hour {
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	}
	if elapsed < 24*time.Hour {
		return plural(int(elapsed.Hours()), "hour") + " ago"
	}
	return plural(int(elapsed.Hours()/24), "day") + " ago"
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
}
