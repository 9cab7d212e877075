// internal/tui/app.go
//
// Live progress view for a pipeline run. It follows The Elm Architecture
// like any bubbletea program: progress events and periodic snapshot
// refreshes arrive as messages, Update folds them into the model, View
// renders the board.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lodstream/internal/logbook"
	"github.com/kingrea/lodstream/internal/pipeline"
	"github.com/kingrea/lodstream/internal/progress"
)

const (
	refreshInterval = 500 * time.Millisecond
	recentLimit     = 6
	logLines        = 6
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	bodyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
)

// Controller is the slice of the pipeline the view drives.
type Controller interface {
	Snapshot() pipeline.Snapshot
	Cancel(assetID int) bool
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithLogbook shows the tail of lb under the board.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithQuitOnComplete exits the program once the pipeline completes.
func WithQuitOnComplete() AppOption {
	return func(a *App) {
		a.quitOnComplete = true
	}
}

type progressMsg struct {
	event progress.Event
}

type streamClosedMsg struct{}

type snapshotMsg struct {
	snap pipeline.Snapshot
}

type refreshRequest struct{}

type assetItem struct {
	state pipeline.AssetState
}

func (i assetItem) Title() string {
	return fmt.Sprintf("%s #%d", i.state.Name, i.state.ID)
}

func (i assetItem) Description() string {
	parts := []string{string(i.state.Status)}
	if i.state.Presented != nil {
		parts = append(parts, fmt.Sprintf("presenting %d", *i.state.Presented))
	} else {
		parts = append(parts, "nothing presented")
	}
	if i.state.Length > 1 {
		parts = append(parts, fmt.Sprintf("step %d/%d", i.state.Length-i.state.Position, i.state.Length))
	}
	if i.state.Extension != "" {
		parts = append(parts, i.state.Extension)
	}
	if i.state.Error != "" {
		parts = append(parts, "⚠ "+i.state.Error)
	}
	return strings.Join(parts, " · ")
}

func (i assetItem) FilterValue() string { return i.state.Name }

// App is the progress board model.
type App struct {
	ctrl           Controller
	events         <-chan progress.Event
	logbook        *logbook.Logbook
	quitOnComplete bool

	assets  list.Model
	spinner spinner.Model
	snap    pipeline.Snapshot
	recent  []string

	complete  bool
	streamEnd bool
	statusMsg string

	width  int
	height int
}

// NewApp builds the board for ctrl, reading progress from sub.
func NewApp(ctrl Controller, sub progress.Subscription, opts ...AppOption) *App {
	assets := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	assets.Title = "Assets"
	assets.SetShowStatusBar(false)
	assets.SetShowHelp(false)
	assets.SetFilteringEnabled(false)

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = waitingStyle

	a := &App{
		ctrl:      ctrl,
		events:    sub.Events,
		assets:    assets,
		spinner:   spin,
		statusMsg: "Loading lowest-fidelity variants…",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent(), a.fetchSnapshot(), a.scheduleRefresh())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.assets.SetSize(max(0, msg.Width-6), max(0, msg.Height-18))
		return a, nil

	case progressMsg:
		a.record(msg.event)
		cmds := []tea.Cmd{a.waitForEvent(), a.fetchSnapshot()}
		if msg.event.Kind == progress.KindPipelineComplete {
			a.complete = true
			a.statusMsg = "All assets at full fidelity. Press q to exit."
			if a.quitOnComplete {
				cmds = append(cmds, tea.Quit)
			}
		}
		return a, tea.Batch(cmds...)

	case streamClosedMsg:
		a.streamEnd = true
		return a, nil

	case snapshotMsg:
		a.snap = msg.snap
		items := make([]list.Item, 0, len(msg.snap.Assets))
		for _, state := range msg.snap.Assets {
			items = append(items, assetItem{state: state})
		}
		return a, a.assets.SetItems(items)

	case refreshRequest:
		return a, tea.Batch(a.fetchSnapshot(), a.scheduleRefresh())

	case spinner.TickMsg:
		if a.complete {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing…"
			return a, a.fetchSnapshot()
		case "c", "x":
			a.cancelSelected()
			return a, a.fetchSnapshot()
		}
	}

	var cmd tea.Cmd
	a.assets, cmd = a.assets.Update(msg)
	return a, cmd
}

// View renders the board.
func (a *App) View() string {
	sections := []string{
		headerStyle.Render("⬡ LODSTREAM"),
		boxStyle.Render(a.renderPending()),
		boxStyle.Render(a.assets.View()),
	}
	if len(a.recent) > 0 {
		sections = append(sections, boxStyle.Render(titleStyle.Render("Recent")+"\n"+bodyStyle.Render(strings.Join(a.recent, "\n"))))
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := a.statusMsg
	if !a.complete {
		footer = a.spinner.View() + " " + footer
	}
	sections = append(sections, mutedStyle.MarginTop(1).Render(footer))
	sections = append(sections, mutedStyle.Render("↑/↓ select    c → cancel upgrades    r → refresh    q → quit"))
	return strings.Join(sections, "\n")
}

func (a *App) renderPending() string {
	pend := a.snap.Pending
	gate := waitingStyle.Render("waiting for first frame")
	if a.snap.RenderReady {
		gate = readyStyle.Render("render-ready")
	}
	phase := waitingStyle.Render("loading")
	switch {
	case pend.Complete:
		phase = readyStyle.Render("complete")
	case pend.Ready:
		phase = readyStyle.Render("ready") + mutedStyle.Render(" · upgrading")
	}
	lines := []string{
		titleStyle.Render("Pipeline") + "  " + phase + "  " + gate,
		fmt.Sprintf("Blocking %d · Non-blocking %d · Suppression %d", pend.Blocking, pend.NonBlocking, pend.Suppression),
		fmt.Sprintf("Upgrade delay %s · Extensions %s", a.snap.MinimalDelay, strings.Join(a.snap.Extensions, ", ")),
	}
	if failed := a.failedCount(); failed > 0 {
		lines = append(lines, failedStyle.Render(fmt.Sprintf("%d asset(s) stopped early", failed)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := titleStyle.Render(fmt.Sprintf("LOG · %s (%d)", fileName, total))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, bodyStyle.Render(strings.Join(lines, "\n"))))
}

func (a *App) failedCount() int {
	n := 0
	for _, state := range a.snap.Assets {
		if state.Status == pipeline.StatusFailed {
			n++
		}
	}
	return n
}

func (a *App) record(evt progress.Event) {
	line := evt.Describe()
	a.statusMsg = line
	a.recent = append(a.recent, line)
	if len(a.recent) > recentLimit {
		a.recent = a.recent[len(a.recent)-recentLimit:]
	}
}

func (a *App) cancelSelected() {
	item, ok := a.assets.SelectedItem().(assetItem)
	if !ok {
		a.statusMsg = "No asset selected"
		return
	}
	if a.ctrl.Cancel(item.state.ID) {
		a.statusMsg = fmt.Sprintf("Cancelling upgrades for %s", item.state.Name)
		return
	}
	a.statusMsg = fmt.Sprintf("%s has no upgrades in flight", item.state.Name)
}

func (a *App) waitForEvent() tea.Cmd {
	if a.events == nil || a.streamEnd {
		return nil
	}
	events := a.events
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return progressMsg{event: evt}
	}
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snap: a.ctrl.Snapshot()}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshRequest{}
	})
}
