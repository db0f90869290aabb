package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"panic-relay/internal/adapters/handler"
	hub "panic-relay/internal/adapters/websocket"
)

// agentClient talks to the local agent: REST for actions, WebSocket for state
type agentClient struct {
	base   string
	secret string
	http   *resty.Client
}

func newAgentClient(base, secret string) *agentClient {
	base = strings.TrimSuffix(base, "/")
	return &agentClient{
		base:   base,
		secret: secret,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(15*time.Second).
			SetHeader("X-Secret-Key", secret),
	}
}

type actionDoneMsg struct {
	action string
	err    error
}

// post runs an action and reports its outcome as a message
func (c *agentClient) post(action, path string, body any) tea.Cmd {
	return func() tea.Msg {
		var out handler.APIResponse
		req := c.http.R().SetResult(&out).SetError(&out)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Post(path)
		if err != nil {
			return actionDoneMsg{action: action, err: err}
		}
		if resp.IsError() {
			return actionDoneMsg{action: action, err: fmt.Errorf("%s: %s", resp.Status(), out.Message)}
		}
		return actionDoneMsg{action: action}
	}
}

func (c *agentClient) streamURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/events"
	if c.secret != "" {
		u.RawQuery = url.Values{"secret_key": {c.secret}}.Encode()
	}
	return u.String(), nil
}

type envelopeMsg struct {
	env hub.Envelope
}

type streamStatusMsg struct {
	connected bool
	err       error
}

// runStream keeps the event stream open and forwards envelopes to out
// until done is closed
func (c *agentClient) runStream(out chan<- tea.Msg, done <-chan struct{}) {
	target, err := c.streamURL()
	if err != nil {
		out <- streamStatusMsg{err: err}
		return
	}

	wait := time.Second
	for {
		conn, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			slog.Warn("Event stream unavailable", "error", err, "retry_in", wait)
			out <- streamStatusMsg{err: err}
			select {
			case <-done:
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, 15*time.Second)
			continue
		}
		wait = time.Second
		out <- streamStatusMsg{connected: true}

		closed := make(chan struct{})
		go func() {
			select {
			case <-done:
				_ = conn.Close()
			case <-closed:
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(closed)
				_ = conn.Close()
				out <- streamStatusMsg{err: err}
				break
			}
			var env hub.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				slog.Debug("Dropping undecodable envelope", "error", err)
				continue
			}
			out <- envelopeMsg{env: env}
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func waitStreamMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
