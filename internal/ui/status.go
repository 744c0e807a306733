package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// StatusOptions configures the status view.
type StatusOptions struct {
	Input  io.Reader // nil disables the close key
	Output io.Writer

	Title     string
	Camera    bool // camera instead of screen
	Audio     bool
	ShowClose bool
	Width     int
	Height    int

	// OnClose runs when the user presses the close key.
	OnClose func()
}

// Status is the terminal window of the running session: a spinner, the
// negotiation state and, when enabled, a close key.
type Status struct {
	opts    StatusOptions
	program *tea.Program
	model   *statusModel
	wg      sync.WaitGroup
	started bool
}

type stateMsg string

// CellsFromPixels converts a window size in pixels to terminal cells,
// assuming an 8x16 cell.
func CellsFromPixels(width, height int) (int, int) {
	return width / 8, height / 16
}

type statusModel struct {
	title     string
	icon      string
	state     string
	showClose bool
	width     int
	height    int
	spinner   spinner.Model
	startTime time.Time
	onClose   func()
	quitting  bool
}

// NewStatus creates the status view; nothing is drawn until Start.
func NewStatus(opts StatusOptions) *Status {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &Status{
		opts: opts,
		model: &statusModel{
			title:     opts.Title,
			icon:      sourceIcon(opts.Camera, opts.Audio),
			state:     "starting",
			showClose: opts.ShowClose && opts.Input != nil,
			width:     opts.Width,
			height:    opts.Height,
			spinner:   s,
			startTime: time.Now(),
			onClose:   opts.OnClose,
		},
	}
}

// Start runs the program in a goroutine.
func (s *Status) Start() {
	s.program = tea.NewProgram(s.model,
		tea.WithInput(s.opts.Input),
		tea.WithOutput(s.opts.Output),
	)
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.program.Run(); err != nil {
			fmt.Fprintf(s.opts.Output, "UI error: %v\n", err)
		}
	}()
}

// SetState shows state as the current negotiation step.
func (s *Status) SetState(state string) {
	if s.started {
		s.program.Send(stateMsg(state))
	}
}

// Stop quits the program and waits for the terminal to be restored.
func (s *Status) Stop() {
	if !s.started {
		return
	}
	s.program.Quit()
	s.wg.Wait()
}

func sourceIcon(camera, audio bool) string {
	icon := IconScreen
	if camera {
		icon = IconCamera
	}
	if audio {
		icon += " " + IconAudio
	}
	return icon
}

func (m *statusModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.showClose {
				return m, nil
			}
			m.quitting = true
			if m.onClose != nil {
				m.onClose()
			}
			return m, tea.Quit
		}

	case stateMsg:
		m.state = string(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *statusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("%s %s", m.icon, m.title)))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), StatusStyle.Render(m.state)))
	b.WriteString(MutedStyle.Render(fmt.Sprintf("%s %s", IconTime, time.Since(m.startTime).Round(time.Second))))

	if m.showClose {
		b.WriteString("\n\n" + MutedStyle.Render("Press q to close"))
	}

	style := WindowStyle
	if m.width > 0 {
		style = style.Width(m.width)
	}
	if m.height > 0 {
		style = style.MaxHeight(m.height)
	}
	return style.Render(b.String())
}
