package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/services"
)

var (
	errNoSession = errors.New("no active session")
	errWrongRole = errors.New("not available for this role")
)

// Sessions is the session lifecycle the control API drives
type Sessions interface {
	Login(ctx context.Context, token string) (*services.Session, error)
	Logout()
	Current() *services.Session
}

// VideoUI is the meeting surface; Hangup reports whether a call was running
type VideoUI interface {
	Hangup(reason string) bool
}

// NotificationLog returns the newest notifications
type NotificationLog interface {
	Recent() []domain.Notification
}

// EventStream upgrades a request to the live event stream
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// ControlHandler handles the local control API
type ControlHandler struct {
	sessions  Sessions
	video     VideoUI
	log       NotificationLog
	secretKey string
	startedAt time.Time
	clients   ClientCounter
}

// NewControlHandler creates the handler. video and log may be nil.
func NewControlHandler(sessions Sessions, video VideoUI, log NotificationLog, secretKey string) *ControlHandler {
	return &ControlHandler{
		sessions:  sessions,
		video:     video,
		log:       log,
		secretKey: secretKey,
		startedAt: time.Now(),
	}
}

// Routes builds the router. stream may be nil.
func (h *ControlHandler) Routes(stream EventStream) http.Handler {
	if counter, ok := stream.(ClientCounter); ok {
		h.clients = counter
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if stream != nil {
		r.Get("/ws/events", stream.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.withSecret)

		r.Get("/status", h.handleStatus)
		r.Get("/system", h.handleSystem)
		r.Post("/session/login", h.handleLogin)
		r.Post("/session/logout", h.handleLogout)

		r.Route("/gesture", func(r chi.Router) {
			r.Post("/press", h.withGesture(func(g *services.GestureTrigger) (any, error) {
				return nil, g.PressStart()
			}))
			r.Post("/release", h.withGesture(func(g *services.GestureTrigger) (any, error) {
				g.PressEnd()
				return nil, nil
			}))
			r.Post("/abort", h.withGesture(func(g *services.GestureTrigger) (any, error) {
				g.Abort()
				return nil, nil
			}))
			r.Post("/confirm", h.withGesture(func(g *services.GestureTrigger) (any, error) {
				return nil, g.Confirm()
			}))
			r.Post("/cancel", h.withGesture(func(g *services.GestureTrigger) (any, error) {
				g.Cancel()
				return nil, nil
			}))
			r.Post("/enabled", h.handleGestureEnabled)
		})

		r.Route("/alert", func(r chi.Router) {
			r.Post("/ack", h.handleAcknowledge)
			r.Post("/close", h.handleCloseAlert)
			r.Post("/sound", h.handleStartSound)
		})

		r.Route("/video", func(r chi.Router) {
			r.Post("/join", h.handleJoinVideo)
			r.Post("/ended", h.handleVideoEnded)
		})
	})

	return r
}

// ============================================================================
// Session
// ============================================================================

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Uptime        string                     `json:"uptime"`
	Session       *services.SessionStatus    `json:"session,omitempty"`
	Alarm         *services.SideEffectStatus `json:"alarm,omitempty"`
	Notifications []domain.Notification      `json:"notifications"`
}

// GET /api/status
func (h *ControlHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		Notifications: []domain.Notification{},
	}
	if s := h.sessions.Current(); s != nil {
		status := s.Status()
		alarm := s.Alarm().Status()
		resp.Session = &status
		resp.Alarm = &alarm
	}
	if h.log != nil {
		resp.Notifications = h.log.Recent()
	}
	writeJSON(w, NewSuccessResponse(resp))
}

type loginRequest struct {
	Token string `json:"token"`
}

// POST /api/session/login
func (h *ControlHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, BadRequestResponse("token is required"))
		return
	}

	session, err := h.sessions.Login(r.Context(), body.Token)
	if err != nil {
		slog.Warn("Login rejected", "error", err)
		writeJSON(w, errorResponse(err))
		return
	}
	writeJSON(w, NewSuccessResponse(session.Status()))
}

// POST /api/session/logout
func (h *ControlHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout()
	writeJSON(w, NewSuccessResponse(nil))
}

// ============================================================================
// Sender side
// ============================================================================

func (h *ControlHandler) withGesture(action func(*services.GestureTrigger) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.session(w)
		if !ok {
			return
		}
		g := s.Gesture()
		if g == nil {
			writeJSON(w, errorResponse(errWrongRole))
			return
		}

		data, err := action(g)
		if err != nil {
			writeJSON(w, errorResponse(err))
			return
		}
		if data == nil {
			data = map[string]any{"state": g.State(), "fraction": g.Fraction()}
		}
		writeJSON(w, NewSuccessResponse(data))
	}
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// POST /api/gesture/enabled
func (h *ControlHandler) handleGestureEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, BadRequestResponse("invalid json"))
		return
	}
	h.withGesture(func(g *services.GestureTrigger) (any, error) {
		g.SetEnabled(body.Enabled)
		return nil, nil
	})(w, r)
}

// POST /api/video/join
func (h *ControlHandler) handleJoinVideo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w)
	if !ok {
		return
	}
	if s.Sender() == nil {
		writeJSON(w, errorResponse(errWrongRole))
		return
	}
	if err := s.Sender().JoinVideo(r.Context()); err != nil {
		writeJSON(w, errorResponse(err))
		return
	}
	writeJSON(w, NewSuccessResponse(s.Sender().Snapshot()))
}

// ============================================================================
// Supervisor side
// ============================================================================

type ackRequest struct {
	WithVideo bool `json:"withVideo"`
}

// POST /api/alert/ack
func (h *ControlHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body ackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, BadRequestResponse("invalid json"))
			return
		}
	}
	h.withOverlay(w, r, func(o *services.OverlayController) error {
		return o.Acknowledge(r.Context(), body.WithVideo)
	})
}

// POST /api/alert/close
func (h *ControlHandler) handleCloseAlert(w http.ResponseWriter, r *http.Request) {
	h.withOverlay(w, r, func(o *services.OverlayController) error {
		return o.Close(r.Context())
	})
}

// POST /api/alert/sound
func (h *ControlHandler) handleStartSound(w http.ResponseWriter, r *http.Request) {
	h.withOverlay(w, r, func(o *services.OverlayController) error {
		return o.StartSound(r.Context())
	})
}

func (h *ControlHandler) withOverlay(w http.ResponseWriter, r *http.Request, action func(*services.OverlayController) error) {
	s, ok := h.session(w)
	if !ok {
		return
	}
	o := s.Overlay()
	if o == nil {
		writeJSON(w, errorResponse(errWrongRole))
		return
	}
	if err := action(o); err != nil {
		writeJSON(w, errorResponse(err))
		return
	}
	writeJSON(w, NewSuccessResponse(o.Snapshot()))
}

// ============================================================================
// Video
// ============================================================================

type videoEndedRequest struct {
	Reason string `json:"reason"`
}

// POST /api/video/ended
// The meeting UI calls this when the user leaves the call.
func (h *ControlHandler) handleVideoEnded(w http.ResponseWriter, r *http.Request) {
	body := videoEndedRequest{Reason: "left"}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	s, ok := h.session(w)
	if !ok {
		return
	}

	// The video adapter reports the end to whichever controller started the
	// call; without a running call the controllers are told directly.
	if h.video == nil || !h.video.Hangup(body.Reason) {
		if o := s.Overlay(); o != nil {
			o.VideoEnded(r.Context(), body.Reason)
		}
		if snd := s.Sender(); snd != nil {
			snd.VideoEnded(body.Reason)
		}
	}
	writeJSON(w, NewSuccessResponse(s.Status()))
}

// ============================================================================
// Helpers
// ============================================================================

// GET /health
func (h *ControlHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, APIResponse{Code: http.StatusOK, Message: "panic-relay agent is running"})
}

func (h *ControlHandler) session(w http.ResponseWriter) (*services.Session, bool) {
	s := h.sessions.Current()
	if s == nil {
		writeJSON(w, UnauthorizedResponse(errNoSession.Error()))
		return nil, false
	}
	return s, true
}

func (h *ControlHandler) withSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secretKey != "" && r.Header.Get("X-Secret-Key") != h.secretKey {
			slog.Warn("⚠️ Unauthorized control request", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeJSON(w, UnauthorizedResponse("invalid or missing X-Secret-Key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
