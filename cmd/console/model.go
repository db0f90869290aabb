package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"panic-relay/internal/adapters/video"
	hub "panic-relay/internal/adapters/websocket"
	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/services"
)

const logLimit = 8

type gestureView struct {
	State    string  `json:"state"`
	Fraction float64 `json:"fraction"`
}

type model struct {
	client  *agentClient
	inbound chan tea.Msg
	done    chan struct{}

	connected  bool
	streamErr  error
	statusLine string
	failed     bool
	holding    bool

	principal *domain.Principal
	overlay   *services.OverlaySnapshot
	sender    *services.SenderSnapshot
	gesture   gestureView
	call      *video.Call
	logs      []string

	width   int
	bar     progress.Model
	spinner spinner.Model
	theme   uiTheme
}

type uiTheme struct {
	header  lipgloss.Style
	panel   lipgloss.Style
	alert   lipgloss.Style
	title   lipgloss.Style
	muted   lipgloss.Style
	status  lipgloss.Style
	failure lipgloss.Style
}

func newTheme() uiTheme {
	red := lipgloss.Color("#ff3b3b")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		alert: lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(red).
			Foreground(red).
			Bold(true).
			Padding(1, 2),
		title:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(muted),
		status:  lipgloss.NewStyle().Foreground(blue).Bold(true),
		failure: lipgloss.NewStyle().Foreground(red).Bold(true),
	}
}

func newModel(client *agentClient) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		client:  client,
		inbound: make(chan tea.Msg, 256),
		done:    make(chan struct{}),
		gesture: gestureView{State: services.GestureIdle},
		bar:     progress.New(progress.WithDefaultGradient()),
		spinner: sp,
		theme:   newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	go m.client.runStream(m.inbound, m.done)
	return tea.Batch(m.spinner.Tick, waitStreamMsg(m.inbound))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-8, 10)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case streamStatusMsg:
		m.connected = msg.connected
		m.streamErr = msg.err
		return m, waitStreamMsg(m.inbound)

	case envelopeMsg:
		m.apply(msg.env)
		return m, waitStreamMsg(m.inbound)

	case actionDoneMsg:
		if msg.err != nil {
			m.failed = true
			m.statusLine = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.failed = false
			m.statusLine = msg.action + " ok"
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	c := m.client
	switch msg.String() {
	case "ctrl+c", "q":
		close(m.done)
		return m, tea.Quit

	// Terminals report no key-up: space toggles the hold
	case " ", "space":
		if m.holding {
			m.holding = false
			return m, c.post("release", "/api/gesture/release", nil)
		}
		m.holding = true
		return m, c.post("press", "/api/gesture/press", nil)
	case "esc":
		m.holding = false
		return m, c.post("abort", "/api/gesture/abort", nil)
	case "y":
		return m, c.post("confirm", "/api/gesture/confirm", nil)
	case "n":
		return m, c.post("cancel", "/api/gesture/cancel", nil)

	case "a":
		return m, c.post("acknowledge", "/api/alert/ack", map[string]bool{"withVideo": false})
	case "v":
		return m, c.post("acknowledge with video", "/api/alert/ack", map[string]bool{"withVideo": true})
	case "c":
		return m, c.post("close", "/api/alert/close", nil)
	case "s":
		return m, c.post("enable sound", "/api/alert/sound", nil)
	case "j":
		return m, c.post("join video", "/api/video/join", nil)
	case "h":
		return m, c.post("hang up", "/api/video/ended", map[string]string{"reason": "left"})
	case "l":
		return m, c.post("logout", "/api/session/logout", nil)
	}
	return m, nil
}

func (m *model) apply(env hub.Envelope) {
	switch env.Type {
	case hub.KindOverlay:
		var snap services.OverlaySnapshot
		if json.Unmarshal(env.Data, &snap) == nil {
			m.overlay = &snap
		}
	case hub.KindSender:
		var snap services.SenderSnapshot
		if json.Unmarshal(env.Data, &snap) == nil {
			m.sender = &snap
		}
	case hub.KindGesture:
		var g gestureView
		if json.Unmarshal(env.Data, &g) == nil {
			m.gesture = g
			if g.State != services.GestureHolding {
				m.holding = false
			}
		}
	case hub.KindChannel:
		var p domain.Principal
		if json.Unmarshal(env.Data, &p) == nil {
			m.principal = &p
		}
	case hub.KindVideo:
		var call video.Call
		if json.Unmarshal(env.Data, &call) == nil {
			m.call = &call
		}
	case hub.KindNotification:
		var n domain.Notification
		if json.Unmarshal(env.Data, &n) == nil {
			m.appendLog(fmt.Sprintf("%s [%s] %s", n.At.Format(time.Kitchen), n.Level, n.Message))
		}
	}
}

func (m *model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > logLimit {
		m.logs = m.logs[len(m.logs)-logLimit:]
	}
}

func (m model) View() string {
	t := m.theme
	var b strings.Builder

	who := "not signed in"
	if m.principal != nil {
		who = fmt.Sprintf("%s (%s)", m.principal.Identity, m.principal.Role)
	}
	link := t.failure.Render("disconnected")
	if m.connected {
		link = t.status.Render("live")
	} else if m.streamErr != nil {
		link = m.spinner.View() + t.failure.Render(" reconnecting")
	}
	b.WriteString(t.header.Render(t.title.Render("PANIC RELAY") + "  " + who + "  " + link))
	b.WriteString("\n")

	if m.overlay != nil {
		b.WriteString(m.overlayView())
		b.WriteString("\n")
	}
	if m.sender != nil || (m.principal != nil && m.principal.Role == domain.RoleSender) {
		b.WriteString(m.senderView())
		b.WriteString("\n")
	}
	if m.call != nil {
		b.WriteString(t.panel.Render("📹 " + m.call.URL))
		b.WriteString("\n")
	}

	if len(m.logs) > 0 {
		b.WriteString(t.panel.Render(strings.Join(m.logs, "\n")))
		b.WriteString("\n")
	}

	if m.statusLine != "" {
		style := t.status
		if m.failed {
			style = t.failure
		}
		b.WriteString(style.Render(m.statusLine))
		b.WriteString("\n")
	}
	b.WriteString(t.muted.Render(
		"space hold/release · esc abort · y/n confirm · a ack · v ack+video · c close · s sound · j join · h hang up · l logout · q quit"))
	return b.String()
}

func (m model) overlayView() string {
	t := m.theme
	o := m.overlay
	switch o.State {
	case services.OverlayAlertActive:
		if o.Alert == nil {
			return ""
		}
		lines := []string{
			"🚨 PANIC ALERT",
			fmt.Sprintf("from %s · alert #%d", o.Alert.SenderIdentity, o.Alert.AlertID),
		}
		if o.Alarm.SoundBlocked {
			lines = append(lines, "sound blocked: press s to enable")
		}
		return t.alert.Render(strings.Join(lines, "\n"))
	case services.OverlayInCall:
		if o.CallWith != nil {
			return t.panel.Render(fmt.Sprintf("In call with %s (alert #%d)", o.CallWith.SenderIdentity, o.CallWith.AlertID))
		}
		return t.panel.Render("In call")
	}
	return t.panel.Render(t.muted.Render("No active alert"))
}

func (m model) senderView() string {
	t := m.theme
	var lines []string

	switch m.gesture.State {
	case services.GestureHolding:
		lines = append(lines, "Hold to send panic alert", m.bar.ViewAs(m.gesture.Fraction))
	case services.GestureConfirmPending:
		lines = append(lines, t.failure.Render("Send panic alert? (y/n)"))
	case services.GestureSent:
		lines = append(lines, m.spinner.View()+" sending alert")
	default:
		lines = append(lines, t.muted.Render("Press space to start holding"))
	}

	if s := m.sender; s != nil {
		if len(s.Pending) > 0 {
			lines = append(lines, fmt.Sprintf("Waiting for acknowledgment of %v", s.Pending))
		}
		if s.LastAck != nil {
			lines = append(lines, fmt.Sprintf("✅ Alert #%d acknowledged by %s", s.LastAck.AlertID, s.LastAck.SupervisorIdentity))
		}
		if s.Offer != nil {
			lines = append(lines, "Video call offered: press j to join")
		}
		if s.InCall {
			lines = append(lines, fmt.Sprintf("In call for alert #%d", s.CallFor))
		}
	}
	return t.panel.Render(strings.Join(lines, "\n"))
}
