package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type scrapeDoneMsg struct {
	err error
}

type scrapeSpinnerModel struct {
	spinner spinner.Model
	label   string
	elapsed lipgloss.Style
	started time.Time
	now     func() time.Time
	work    tea.Cmd
	err     error
	done    bool
}

func newScrapeSpinnerModel(label string, now func() time.Time, work tea.Cmd) scrapeSpinnerModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return scrapeSpinnerModel{
		spinner: s,
		label:   label,
		elapsed: lipgloss.NewStyle().Faint(true),
		started: now(),
		now:     now,
		work:    work,
	}
}

func (m scrapeSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.work)
}

func (m scrapeSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case scrapeDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m scrapeSpinnerModel) View() string {
	if m.done {
		return ""
	}

	elapsed := m.now().Sub(m.started).Truncate(time.Second)
	return fmt.Sprintf("%s %s %s", m.spinner.View(), m.label, m.elapsed.Render(elapsed.String()))
}

// runWithSpinner shows label and the running time on output until work
// returns.
func runWithSpinner(ctx context.Context, output io.Writer, label string, work func(context.Context) error) error {
	workCmd := func() tea.Msg {
		return scrapeDoneMsg{err: work(ctx)}
	}

	p := tea.NewProgram(
		newScrapeSpinnerModel(label, time.Now, workCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(scrapeSpinnerModel)
	if !ok {
		return fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.err
}
