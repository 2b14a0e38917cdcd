package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/lms-cli/authclient"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of the session.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // refreshing existing token
	stateDeviceFlow       // device code received, showing to user
	statePolling          // waiting for user authorization
	stateFetching         // API requests in flight
	stateDone             // batch finished
	stateWatching         // polling notifications
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
	statusErr
)

// maxStatusLines bounds the log so watch mode does not grow it forever.
const maxStatusLines = 30

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the LMS client TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Device code info
	userCode          string
	verifyURI         string
	verifyURIComplete string
	codeExpiry        time.Time
	remaining         time.Duration

	// Fetch progress
	pending  int
	ok       int
	failed   int
	interval time.Duration
	errMsg   string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	accent = lipgloss.Color("99")

	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 2)

	styleCodeBox = styleTitleBox.
			Foreground(lipgloss.Color("228")).
			BorderForeground(lipgloss.Color("228"))

	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// statusMarks pairs every status kind with its glyph and color.
var statusMarks = map[statusKind]struct {
	glyph string
	style lipgloss.Style
}{
	statusOK:   {"✓", lipgloss.NewStyle().Foreground(lipgloss.Color("42"))},
	statusWarn: {"⚠", lipgloss.NewStyle().Foreground(lipgloss.Color("214"))},
	statusInfo: {"·", styleDim},
	statusErr:  {"✗", lipgloss.NewStyle().Foreground(lipgloss.Color("196"))},
}

// mark renders text with the glyph and color of kind.
func mark(kind statusKind, text string) string {
	m := statusMarks[kind]
	return m.style.Render("  " + m.glyph + " " + text)
}

// NewModel creates the initial TUI model.
func NewModel() Model {
	return Model{
		state: stateInit,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(accent)),
		),
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages. Cases that schedule work return
// early; everything else only changes the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.codeExpiry), 0)
		if m.remaining > 0 && m.signingIn() {
			return m, tickAfterSecond()
		}

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case MsgToast:
		m.addStatus(toastKind(msg.Severity), toastText(msg.Title, msg.Description))

	case MsgSessionFound:
		m.addStatus(statusOK, "Found a saved session")
	case MsgSessionValid:
		m.addStatus(statusOK, "Access token is still valid")
	case MsgSessionExpired:
		m.addStatus(statusWarn, "Access token expired")
		m.state = stateRefreshing
	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No saved session, signing in")

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		if m.state == stateRefreshing {
			m.state = m.resumeState()
		}
	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))

	case MsgDeviceCodeReady:
		m.userCode = msg.UserCode
		m.verifyURI = msg.VerifyURI
		m.verifyURIComplete = msg.VerifyURIComplete
		m.codeExpiry = msg.Expiry
		m.remaining = time.Until(msg.Expiry)
		m.state = stateDeviceFlow
		m.addStatus(statusInfo, "Device code ready")
		return m, tickAfterSecond()
	case MsgWaitingForAuth:
		m.state = statePolling
	case MsgPollSlowDown:
		m.addStatus(statusWarn, "Server asked to poll every "+formatDuration(msg.NewInterval))
	case MsgAuthSuccess:
		m.addStatus(statusOK, "Signed in")
		m.state = stateInit

	case MsgTokenSaved:
		m.addStatus(statusOK, "Tokens saved to "+msg.Path)
	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Could not save tokens: %v", msg.Err))
	case MsgSignedOut:
		m.addStatus(statusErr, fmt.Sprintf("Session ended: %v", msg.Err))

	case MsgFetching:
		m.state = stateFetching
		m.pending = len(msg.Paths)
		m.ok, m.failed = 0, 0
	case MsgFetchOK:
		m.pending = max(m.pending-1, 0)
		m.addStatus(statusOK, msg.Path+": "+msg.Summary)
	case MsgFetchFailed:
		m.pending = max(m.pending-1, 0)
		m.addStatus(statusWarn, fmt.Sprintf("%s: %v", msg.Path, msg.Err))
	case MsgDone:
		m.ok, m.failed, m.pending = msg.OK, msg.Failed, 0
		m.state = stateDone

	case MsgWatching:
		m.interval = msg.Interval
		m.state = stateWatching
	case MsgNewNotification:
		text := msg.CreatedAt.Local().Format(time.Kitchen) + " " + msg.Title
		if msg.Body != "" {
			text += ": " + msg.Body
		}
		m.addStatus(statusInfo, text)

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
	}

	return m, nil
}

func (m Model) signingIn() bool {
	return m.state == stateDeviceFlow || m.state == statePolling
}

// resumeState is where a mid-fetch refresh returns to.
func (m Model) resumeState() state {
	switch {
	case m.interval > 0:
		return stateWatching
	case m.pending > 0:
		return stateFetching
	default:
		return stateInit
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	var body string
	switch m.state {
	case stateDone:
		body = m.viewDone()
	case stateError:
		body = m.viewError()
	default:
		body = m.viewMain()
	}
	return tea.NewView(lipgloss.JoinVertical(lipgloss.Left, "", body, m.viewStatusLog()))
}

// viewMain is shown while signing in, refreshing, fetching and watching.
func (m Model) viewMain() string {
	title := styleTitleBox.Render("  LMS Client  ")

	if m.signingIn() {
		return lipgloss.JoinVertical(lipgloss.Left,
			title,
			"",
			styleBold.Render("Open this link to sign in:"),
			m.verifyURIComplete,
			"",
			styleDim.Render("Or visit: "+m.verifyURI),
			styleDim.Render("Enter code:"),
			"",
			styleCodeBox.Render("  "+m.userCode+"  "),
			"",
			m.spinnerLine("Waiting for authorization...", m.countdown()),
		)
	}

	var line string
	switch m.state {
	case stateRefreshing:
		line = m.spinnerLine("Refreshing access token...", "")
	case stateFetching:
		line = m.spinnerLine("Loading...", fmt.Sprintf("%d pending", m.pending))
	case stateWatching:
		line = m.spinnerLine("Watching notifications", "every "+formatDuration(m.interval))
	default:
		line = m.spinnerLine("Initializing...", "")
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, "", line)
}

func (m Model) countdown() string {
	if m.remaining <= 0 {
		return ""
	}
	return formatDuration(m.remaining) + " remaining"
}

// spinnerLine renders the spinner, a label and an optional dimmed note.
func (m Model) spinnerLine(label, note string) string {
	line := m.spinner.View() + " " + label
	if note != "" {
		line += "  " + styleDim.Render(note)
	}
	return line
}

// viewDone summarizes a finished batch.
func (m Model) viewDone() string {
	headline := mark(statusOK, "All requests succeeded")
	if m.failed > 0 {
		headline = mark(statusWarn, fmt.Sprintf("%d request(s) failed", m.failed))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		headline,
		"",
		styleBold.Render("Loaded: ")+fmt.Sprint(m.ok),
		styleBold.Render("Failed: ")+fmt.Sprint(m.failed),
	)
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		mark(statusErr, "Failed"),
		"",
		styleDim.Render("  "+m.errMsg),
	)
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	lines := make([]string, 0, len(m.statusLines)+1)
	lines = append(lines, "")
	for _, line := range m.statusLines {
		lines = append(lines, mark(line.kind, line.text))
	}
	return strings.Join(lines, "\n")
}

// addStatus appends a line to the status log, dropping the oldest ones.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusLines:]...)
	}
}

func toastKind(s authclient.Severity) statusKind {
	switch s {
	case authclient.SeverityError:
		return statusErr
	case authclient.SeverityWarning:
		return statusWarn
	default:
		return statusInfo
	}
}

func toastText(title, description string) string {
	if description == "" {
		return title
	}
	return title + ": " + description
}

// tickAfterSecond schedules the next countdown update.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
