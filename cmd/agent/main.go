// Package main - panic-relay agent entry point
// Wires one alert session per signed-in principal and serves the local
// control API that UIs drive.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"panic-relay/internal/adapters/alarm"
	"panic-relay/internal/adapters/auth"
	"panic-relay/internal/adapters/gateway"
	"panic-relay/internal/adapters/handler"
	"panic-relay/internal/adapters/push/mqtt"
	"panic-relay/internal/adapters/push/redispubsub"
	"panic-relay/internal/adapters/push/stomp"
	"panic-relay/internal/adapters/repository"
	"panic-relay/internal/adapters/video"
	"panic-relay/internal/adapters/websocket"
	"panic-relay/internal/config"
	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
	"panic-relay/internal/core/services"
	"panic-relay/internal/logger"
)

// sessionTokens defers to the session manager, which is built after the
// REST client that needs it
type sessionTokens struct {
	manager *services.SessionManager
}

func (t *sessionTokens) AccessToken() (string, error) {
	if t.manager == nil {
		return "", domain.ErrNotAuthenticated
	}
	return t.manager.AccessToken()
}

// gestureFeed merges progress and state into one gesture snapshot
type gestureFeed struct {
	hub *websocket.EventHub

	mu       sync.Mutex
	State    string  `json:"state"`
	Fraction float64 `json:"fraction"`
}

func newGestureFeed(hub *websocket.EventHub) *gestureFeed {
	return &gestureFeed{hub: hub, State: services.GestureIdle}
}

func (f *gestureFeed) observer() services.GestureObserver {
	return services.GestureObserver{
		OnProgress: func(fraction float64) {
			f.update(func() { f.Fraction = fraction })
		},
		OnStateChange: func(state string) {
			f.update(func() {
				f.State = state
				if state != services.GestureHolding {
					f.Fraction = 0
				}
			})
		},
	}
}

func (f *gestureFeed) update(apply func()) {
	f.mu.Lock()
	apply()
	snap := struct {
		State    string  `json:"state"`
		Fraction float64 `json:"fraction"`
	}{f.State, f.Fraction}
	f.mu.Unlock()

	f.hub.PublishState(websocket.KindGesture, snap)
}

func main() {
	fmt.Println("=== panic-relay agent ===")

	// 1. Load Configuration
	fmt.Println("[1/6] Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	flush, err := logger.Install(logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
	})
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer flush()
	fmt.Printf("✓ Config loaded (API: %s, transport: %s, dedup: %s)\n",
		cfg.API.BaseURL, cfg.Push.Transport, cfg.Session.Dedup)

	// 2. Connect to Redis when a component needs it
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		fmt.Println("[2/6] Connecting to Redis...")
		rdb = connectRedis(cfg.Redis, 5, 2*time.Second)
		defer rdb.Close()
		fmt.Println("✓ Redis connection established")
	} else {
		fmt.Println("[2/6] Redis not required, skipping")
	}

	// 3. Adapters
	fmt.Println("[3/6] Initializing adapters...")
	var dedup ports.DedupRepository
	if cfg.Session.Dedup == config.DedupRedis {
		dedup = repository.NewRedisRepository(rdb, "panic-relay:handled")
	} else {
		dedup = repository.NewMemoryRepository(cfg.Session.DedupCapacity, cfg.Session.HandledTTL)
	}

	dialer, err := newDialer(cfg, rdb)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	defaultRole := domain.Role("")
	if cfg.Session.DefaultRole != "" {
		defaultRole, err = domain.ParseRole(cfg.Session.DefaultRole)
		if err != nil {
			log.Fatalf("❌ Invalid PANIC_DEFAULT_ROLE: %v", err)
		}
	}
	resolver := auth.NewClaimsResolver(defaultRole)

	hub := websocket.NewEventHub(cfg.Control.SecretKey)
	tokens := &sessionTokens{}
	client := gateway.NewPanicClient(cfg.API.BaseURL, cfg.API.Timeout, tokens)
	device := alarm.NewTerminal(os.Stderr, cfg.Alarm.BellInterval, cfg.Alarm.SoundBlocked)

	var (
		meetings  *video.Jitsi
		videoPort ports.VideoSession
	)
	if cfg.Video.Domain != "" {
		meetings = video.NewJitsi(cfg.Video.Domain, resolver.Subject, func(_ context.Context, call video.Call) error {
			slog.Info("📹 Video call ready", "url", call.URL, "room", call.Room)
			hub.PublishState(websocket.KindVideo, call)
			return nil
		})
		videoPort = meetings
	}
	fmt.Println("✓ Adapters initialized")

	// 4. Services
	fmt.Println("[4/6] Initializing services...")
	manager := services.NewSessionManager(resolver, services.SessionDeps{
		Dialer:   dialer,
		Dispatch: client,
		Acks:     client,
		Video:    videoPort,
		Alarm:    device,
		Dedup:    dedup,
		Notifier: hub,
		Gesture:  newGestureFeed(hub).observer(),
		Observe: func(s *services.Session) {
			if o := s.Overlay(); o != nil {
				o.OnChange(func(snap services.OverlaySnapshot) {
					hub.PublishState(websocket.KindOverlay, snap)
				})
			}
			if snd := s.Sender(); snd != nil {
				snd.OnChange(func(snap services.SenderSnapshot) {
					hub.PublishState(websocket.KindSender, snap)
				})
			}
			hub.PublishState(websocket.KindChannel, s.Principal())
		},
	}, services.SessionConfig{
		Channel: services.ChannelConfig{
			ClientIDPrefix: cfg.Push.ClientIDPrefix,
			MaxRetries:     cfg.Push.MaxRetries,
			InitialBackoff: cfg.Push.InitialBackoff,
			MaxBackoff:     cfg.Push.MaxBackoff,
			BufferSize:     cfg.Push.BufferSize,
		},
		Gesture: services.GestureConfig{
			HoldThreshold: cfg.Gesture.HoldThreshold,
			TickInterval:  cfg.Gesture.TickInterval,
		},
		VibrationPattern: cfg.Alarm.VibrationPattern,
		VibrationCycle:   cfg.Alarm.VibrationCycle,
		DisplayName:      cfg.Session.DisplayName,
		AutoJoinVideo:    cfg.Session.AutoJoinVideo,
		HandledTTL:       cfg.Session.HandledTTL,
		WatchdogInterval: cfg.Session.WatchdogInterval,
		WatchdogGrace:    cfg.Session.WatchdogGrace,
	})
	tokens.manager = manager
	defer manager.Logout()
	fmt.Println("✓ Services initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	// 5. Sign in with a preconfigured token
	if cfg.Session.AccessToken != "" {
		fmt.Println("[5/6] Signing in with configured token...")
		if _, err := manager.Login(ctx, cfg.Session.AccessToken); err != nil {
			slog.Error("❌ Automatic login failed", "error", err)
		} else {
			fmt.Println("✓ Session started")
		}
	} else {
		fmt.Println("[5/6] No access token configured, waiting for login")
	}

	// 6. Control API
	fmt.Println("[6/6] Starting control API...")
	var hangup handler.VideoUI
	if meetings != nil {
		hangup = meetings
	}
	control := handler.NewControlHandler(manager, hangup, hub, cfg.Control.SecretKey)
	srv := &http.Server{
		Addr:              cfg.Control.Listen,
		Handler:           control.Routes(hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Println("\n✅ Agent Ready")
	fmt.Printf("[HTTP] Control API: http://%s/api/status\n", cfg.Control.Listen)
	fmt.Printf("[HTTP] Event stream: ws://%s/ws/events\n", cfg.Control.Listen)
	fmt.Println("[READY] Press Ctrl+C to stop")

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("❌ HTTP server failed", "error", err)
		}
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
}

// newDialer builds the push transport selected by configuration
func newDialer(cfg *config.Config, rdb *redis.Client) (ports.PushDialer, error) {
	switch cfg.Push.Transport {
	case config.TransportSTOMP:
		return stomp.NewDialer(stomp.Config{
			URL:            cfg.Push.STOMP.URL,
			HeartBeat:      cfg.Push.STOMP.HeartBeat,
			ConnectTimeout: cfg.Push.ConnectTimeout,
			MaxReconnects:  -1,
			InitialBackoff: cfg.Push.InitialBackoff,
			MaxBackoff:     cfg.Push.MaxBackoff,
		}), nil
	case config.TransportMQTT:
		return mqtt.NewDialer(mqtt.Config{
			Broker:         cfg.Push.MQTT.Broker,
			Username:       cfg.Push.MQTT.Username,
			Password:       cfg.Push.MQTT.Password,
			TopicPrefix:    cfg.Push.MQTT.TopicPrefix,
			QoS:            byte(cfg.Push.MQTT.QoS),
			ConnectTimeout: cfg.Push.ConnectTimeout,
			MaxReconnect:   cfg.Push.MaxBackoff,
		}), nil
	case config.TransportRedis:
		return redispubsub.NewDialer(rdb, redispubsub.Config{
			ChannelPrefix: cfg.Push.ChannelPrefix,
		}), nil
	}
	return nil, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb
		}

		log.Printf("  Attempt %d/%d: Cannot ping Redis: %v", i, maxRetries, err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("❌ Cannot connect to Redis after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}
