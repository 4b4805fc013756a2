package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// RoomActions are the callbacks the room view invokes on user input.
// They run on their own goroutines so a slow action never freezes the
// terminal.
type RoomActions struct {
	SendChat    func(text string) error
	SendFile    func(path string) error
	ToggleShare func() error
	ToggleAudio func() error
	ToggleVideo func() error
}

// RoomUpdateType tags external updates pushed into the room view.
type RoomUpdateType int

const (
	UpdateRoster RoomUpdateType = iota
	UpdateChat
	UpdateFile
	UpdateStatus
	UpdateError
)

// RoomUpdate is a message sent from the session goroutines to the UI.
type RoomUpdate struct {
	Type   RoomUpdateType
	Roster []ParticipantRow
	Chat   ChatLine
	File   FileNotice
	Status string
	Err    error
}

// ChatLine is one rendered chat message.
type ChatLine struct {
	From  string
	Text  string
	At    time.Time
	Local bool
}

// FileNotice announces a received file.
type FileNotice struct {
	From string
	Name string
	Size int64
	Path string
}

// RoomUI runs the full-screen room view and feeds it external updates.
type RoomUI struct {
	program *tea.Program
	model   *roomModel
}

// NewRoomUI builds the room view for one session.
func NewRoomUI(roomName, username string, actions RoomActions) *RoomUI {
	input := textinput.New()
	input.Placeholder = "Message, or /send <path>, /share, /mute, /cam, /quit"
	input.CharLimit = 2000
	input.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	model := &roomModel{
		roomName:   roomName,
		username:   username,
		actions:    actions,
		input:      input,
		spinner:    s,
		chatView:   viewport.New(80, 12),
		status:     "Waiting for participants...",
		updateChan: make(chan RoomUpdate, 100),
		width:      80,
		height:     24,
	}
	return &RoomUI{model: model}
}

// Post pushes an external update into the view. Safe from any
// goroutine; drops the update if the UI cannot keep up.
func (ui *RoomUI) Post(update RoomUpdate) {
	select {
	case ui.model.updateChan <- update:
	default:
	}
}

// Run blocks until the user quits the room view.
func (ui *RoomUI) Run() error {
	ui.program = tea.NewProgram(ui.model, tea.WithAltScreen())
	_, err := ui.program.Run()
	return err
}

// Quit stops the view from outside, e.g. when the session dies.
func (ui *RoomUI) Quit() {
	if ui.program != nil {
		ui.program.Quit()
	}
}

type roomModel struct {
	roomName string
	username string
	actions  RoomActions

	roster  []ParticipantRow
	chatLog []string
	status  string

	input    textinput.Model
	spinner  spinner.Model
	chatView viewport.Model

	updateChan chan RoomUpdate
	width      int
	height     int
	quitting   bool
}

// actionResult carries an action callback's outcome back to Update.
type actionResult struct {
	err error
}

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		m.listenForUpdates(),
	)
}

func (m *roomModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *roomModel) runAction(fn func() error) tea.Cmd {
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		return actionResult{err: fn()}
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if cmd := m.submitInput(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatView.Width = max(40, msg.Width-8)
		m.chatView.Height = max(5, msg.Height-len(m.roster)-14)
		m.refreshChat()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case RoomUpdate:
		m.handleUpdate(msg)
		cmds = append(cmds, m.listenForUpdates())

	case actionResult:
		if msg.err != nil {
			m.setStatus(ErrorStyle.Render(fmt.Sprintf("%s %v", IconError, msg.err)))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.chatView, cmd = m.chatView.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submitInput dispatches the entered line: slash commands run actions,
// anything else is a chat message.
func (m *roomModel) submitInput() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if line == "" {
		return nil
	}

	switch {
	case line == "/quit":
		m.quitting = true
		return tea.Quit

	case line == "/share":
		m.setStatus("Toggling screen share...")
		return m.runAction(m.actions.ToggleShare)

	case line == "/mute":
		return m.runAction(m.actions.ToggleAudio)

	case line == "/cam":
		return m.runAction(m.actions.ToggleVideo)

	case strings.HasPrefix(line, "/send "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/send "))
		if path == "" {
			m.setStatus(WarningStyle.Render("usage: /send <path>"))
			return nil
		}
		m.setStatus(fmt.Sprintf("Sending %s...", path))
		return m.runAction(func() error { return m.actions.SendFile(path) })

	case strings.HasPrefix(line, "/"):
		m.setStatus(WarningStyle.Render("unknown command: " + line))
		return nil

	default:
		m.appendChat(ChatLine{From: m.username, Text: line, At: time.Now(), Local: true})
		return m.runAction(func() error { return m.actions.SendChat(line) })
	}
}

func (m *roomModel) handleUpdate(update RoomUpdate) {
	switch update.Type {
	case UpdateRoster:
		m.roster = update.Roster

	case UpdateChat:
		m.appendChat(update.Chat)

	case UpdateFile:
		from := update.File.From
		if from == "" {
			from = "(unknown)"
		}
		m.chatLog = append(m.chatLog, MutedStyle.Render(fmt.Sprintf("%s %s sent %s (%s) -> %s",
			IconFile, from, update.File.Name, FormatSize(update.File.Size), update.File.Path)))
		m.refreshChat()

	case UpdateStatus:
		m.setStatus(update.Status)

	case UpdateError:
		m.setStatus(ErrorStyle.Render(fmt.Sprintf("%s %v", IconError, update.Err)))
	}
}

func (m *roomModel) appendChat(line ChatLine) {
	style := UsernameStyle
	if line.Local {
		style = LocalUserStyle
	}
	m.chatLog = append(m.chatLog, fmt.Sprintf("%s %s %s",
		MutedStyle.Render(formatClock(line.At)),
		style.Render(line.From+":"),
		line.Text,
	))
	m.refreshChat()
}

func (m *roomModel) refreshChat() {
	m.chatView.SetContent(strings.Join(m.chatLog, "\n"))
	m.chatView.GotoBottom()
}

func (m *roomModel) setStatus(s string) {
	m.status = s
}

func (m *roomModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Room: %s", IconRoom, m.roomName)))
	b.WriteString("\n\n")

	b.WriteString(ParticipantTableView(m.roster))
	b.WriteString("\n\n")

	b.WriteString(BoxStyle.Width(m.chatView.Width + 4).Render(m.chatViewContent()))
	b.WriteString("\n")

	if m.status != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.status))
	}

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("enter: send | /send <path> | /share | /mute | /cam | esc: leave"))

	return ContainerStyle.Render(b.String())
}

func (m *roomModel) chatViewContent() string {
	if len(m.chatLog) == 0 {
		return MutedStyle.Render(IconChat + " No messages yet")
	}
	return m.chatView.View()
}
