package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/config"
	"github.com/ventline/ventline/internal/contentfilter"
	"github.com/ventline/ventline/internal/httpapi"
	"github.com/ventline/ventline/internal/matching"
	"github.com/ventline/ventline/internal/messaging"
	"github.com/ventline/ventline/internal/metrics"
	"github.com/ventline/ventline/internal/moderation"
	"github.com/ventline/ventline/internal/protocol"
	"github.com/ventline/ventline/internal/ratelimit"
	"github.com/ventline/ventline/internal/session"
	"github.com/ventline/ventline/internal/ws"
)

// restrictionChecker adapts the moderation engine to the matcher's
// admission veto.
type restrictionChecker struct {
	engine *moderation.Engine
}

func (rc *restrictionChecker) Check(ctx context.Context, participantID string) (string, string, int, bool, error) {
	r, err := rc.engine.IsRestricted(ctx, participantID)
	if err != nil {
		return "", "", 0, false, err
	}
	if r == nil {
		return "", "", 0, false, nil
	}
	return string(r.Kind), r.Reason, r.RemainingSeconds(time.Now()), true, nil
}

func main() {
	cfg := config.Load()

	// --- NATS (required) ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NatsURL
	natsConfig.Name = cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis with local fallback ---
	var primary backend.Store
	var redisClient *redis.Client
	{
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("WARNING: redis unreachable at %s, running on local in-memory storage only: %v", cfg.RedisAddr, err)
			_ = rdb.Close()
		} else {
			redisClient = rdb
			primary = backend.NewRedisStore(rdb)
		}
	}
	store := backend.NewFailover(primary, backend.NewLocalStore())
	store.SetOnDegrade(func(err error) {
		metrics.BackendDegraded.Set(1)
	})
	if store.Degraded() {
		metrics.BackendDegraded.Set(1)
	}

	// --- Postgres-backed moderation stores, memory when unavailable ---
	var patterns moderation.PatternStore
	var restrictions moderation.RestrictionStore
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err = db.PingContext(pingCtx)
			cancel()
		}
		if err == nil {
			err = moderation.Migrate(cfg.PostgresDSN)
		}
		if err != nil {
			log.Printf("WARNING: postgres unavailable, moderation history is in-memory and lost on restart: %v", err)
			db = nil
		}
	} else {
		log.Printf("WARNING: POSTGRES_DSN not set, moderation history is in-memory and lost on restart")
	}
	if db != nil {
		patterns = moderation.NewPostgresPatternStore(db)
		restrictions = moderation.NewPostgresRestrictionStore(db)
	} else {
		patterns = moderation.NewMemoryPatternStore()
		restrictions = moderation.NewMemoryRestrictionStore()
	}

	engine := moderation.NewEngine(patterns, restrictions, cfg.Moderation)
	limiter := ratelimit.NewLimiter(redisClient)
	filter := contentfilter.NewFilter()
	notifier := messaging.NewNotifier(natsClient)

	sessions := session.NewManager(store, notifier, cfg.JoinDebounce, cfg.SessionRetention, cfg.SessionMaxAge)

	// The match sink runs synchronously inside Admit: it materializes the
	// session and tells both participants where to go. Delivery rides NATS
	// so the partner may be connected to any instance.
	sink := func(ctx context.Context, m matching.MatchResult) {
		if _, err := sessions.Create(ctx, m.SessionID, m.SpeakerID, m.ListenerID); err != nil {
			log.Printf("[main] create session %s: %v", m.SessionID, err)
			return
		}
		notifier.MatchFound(m.SpeakerID, m.SessionID, backend.RoleSpeaker)
		notifier.MatchFound(m.ListenerID, m.SessionID, backend.RoleListener)
	}
	onExpire := func(participantID string, role backend.Role) {
		notifier.QueueTimeout(participantID, role)
	}

	matcher := matching.NewMatcher(store, &restrictionChecker{engine: engine}, cfg.QueueExpiry, cfg.WaitEstimateFloor, sink, onExpire)

	log.Printf("ventlined starting")
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  api_addr:     %s", cfg.APIAddr)
	log.Printf("  nats_url:     %s", cfg.NatsURL)
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  backend:      %s", store.Name())
	log.Printf("  server_name:  %s", cfg.ServerName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// subscribeSessionEvents forwards this participant's session events from
	// NATS to their connection. session_joined is answered locally by the
	// join handler, so it is skipped here.
	subscribeSessionEvents := func(sessionID, pid string) {
		if err := natsClient.SubscribeSession(sessionID, pid, func(data []byte) {
			var ev messaging.SessionEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[session-sub] unmarshal for participant=%s: %v", pid, err)
				return
			}
			if ev.Target != "" && ev.Target != pid {
				return
			}

			switch ev.Event {
			case messaging.EventUserJoined:
				resp, _ := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.UserJoinedMsg{
					SessionID:   ev.SessionID,
					DisplayName: ev.DisplayName,
				})
				_ = server.SendMessage(pid, resp)

			case messaging.EventMessage:
				resp, _ := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
					SessionID: ev.SessionID,
					MessageID: ev.MessageID,
					From:      ev.DisplayName,
					Content:   ev.Content,
					Timestamp: ev.Timestamp,
				})
				if err := server.SendMessage(pid, resp); err == nil {
					metrics.MessagesTotal.WithLabelValues("received").Inc()
				}

			case messaging.EventTyping:
				resp, _ := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
					SessionID: ev.SessionID,
					IsTyping:  ev.IsTyping,
				})
				_ = server.SendMessage(pid, resp)

			case messaging.EventEnded:
				resp, _ := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
					SessionID: ev.SessionID,
					Reason:    ev.Reason,
				})
				_ = server.SendMessage(pid, resp)
				_ = natsClient.UnsubscribeSession(pid)
			}
		}); err != nil {
			log.Printf("[session-sub] subscribe session=%s for participant=%s failed: %v", sessionID, pid, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// join_session: enter a session after a match notification.
	dispatcher.Register(protocol.TypeJoinSession, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinSessionMsg)
		if !ok {
			dispatcher.SendError(conn, "invalid_payload", "Invalid session data")
			return
		}
		if joinMsg.SessionID == "" {
			dispatcher.SendError(conn, "missing_session", "Session ID is required")
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Subscribe before joining so the counterpart's events are not
		// missed in the gap.
		_ = natsClient.UnsubscribeSession(pid)
		subscribeSessionEvents(joinMsg.SessionID, pid)

		rec, history, err := sessions.Join(ctx, joinMsg.SessionID, pid, joinMsg.DisplayName)
		if err == session.ErrNotParticipant {
			_ = natsClient.UnsubscribeSession(pid)
			dispatcher.SendError(conn, "not_participant", "User not in specified session")
			return
		}
		if err != nil {
			_ = natsClient.UnsubscribeSession(pid)
			log.Printf("[join] session=%s participant=%s: %v", joinMsg.SessionID, pid, err)
			dispatcher.SendError(conn, "join_failed", "Invalid session data")
			return
		}
		if rec == nil {
			_ = natsClient.UnsubscribeSession(pid)
			dispatcher.SendError(conn, "session_gone", "Session not found or already ended")
			return
		}

		items := make([]protocol.HistoryItem, 0, len(history))
		for _, h := range history {
			items = append(items, protocol.HistoryItem{
				From:      h.SenderDisplayName,
				Content:   h.Content,
				Timestamp: h.Timestamp.UnixMilli(),
			})
		}
		role, _ := rec.RoleOf(pid)
		resp, _ := protocol.NewServerMessage(protocol.TypeSessionJoined, protocol.SessionJoinedMsg{
			SessionID: rec.SessionID,
			Role:      string(role),
			History:   items,
		})
		_ = conn.WriteMessage(resp)
	})

	// send_message: relay a message to the counterpart.
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			dispatcher.SendError(conn, "invalid_payload", "Invalid session data")
			return
		}
		if sendMsg.SessionID == "" {
			dispatcher.SendError(conn, "missing_session", "Session ID is required")
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := contentfilter.Validate(sendMsg.Content); err != nil {
			dispatcher.SendError(conn, "invalid_message", err.Error())
			return
		}
		if res := filter.Check(sendMsg.Content); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			dispatcher.SendError(conn, "message_blocked", "Message blocked by content filter")
			return
		}
		if !limiter.Allow(ctx, pid, ratelimit.RuleMessage) {
			dispatcher.SendError(conn, "rate_limited", "Too many messages, slow down")
			return
		}

		posted, err := sessions.PostMessage(ctx, sendMsg.SessionID, pid, sendMsg.Content)
		if err == session.ErrNotParticipant {
			dispatcher.SendError(conn, "not_participant", "User not in specified session")
			return
		}
		if err != nil {
			log.Printf("[message] session=%s participant=%s: %v", sendMsg.SessionID, pid, err)
			dispatcher.SendError(conn, "send_failed", "Invalid session or user not in session")
			return
		}
		if posted == nil {
			dispatcher.SendError(conn, "session_gone", "Session not found or already ended")
			return
		}
	})

	// typing: relay a typing indicator.
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.ClientTypingMsg)
		if !ok || typingMsg.SessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessions.Typing(ctx, typingMsg.SessionID, conn.ID, typingMsg.IsTyping); err != nil && err != session.ErrNotParticipant {
			log.Printf("[typing] session=%s participant=%s: %v", typingMsg.SessionID, conn.ID, err)
		}
	})

	// end_session: end the participant's session.
	dispatcher.Register(protocol.TypeEndSession, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndSessionMsg)
		if !ok {
			dispatcher.SendError(conn, "invalid_payload", "Invalid session data")
			return
		}
		if endMsg.SessionID == "" {
			dispatcher.SendError(conn, "missing_session", "Session ID is required")
			return
		}
		pid := conn.ID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ended, err := sessions.EndByParticipant(ctx, endMsg.SessionID, pid, session.ReasonUserEnded)
		if err == session.ErrNotParticipant {
			dispatcher.SendError(conn, "not_participant", "User not in specified session")
			return
		}
		if err != nil {
			log.Printf("[end] session=%s participant=%s: %v", endMsg.SessionID, pid, err)
			return
		}
		if !ended {
			dispatcher.SendError(conn, "session_gone", "Session not found or already ended")
		}
	})

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	server = ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Each new connection listens for its own match and timeout events.
	server.SetOnConnect(func(conn *ws.Connection) {
		pid := conn.ID
		_ = natsClient.SubscribeMatchFound(pid, func(data []byte) {
			var ev messaging.MatchEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return
			}
			resp, _ := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
				SessionID: ev.SessionID,
				Role:      ev.Role,
			})
			_ = server.SendMessage(pid, resp)
		})
		_ = natsClient.SubscribeQueueTimeout(pid, func(data []byte) {
			var ev messaging.TimeoutEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return
			}
			resp, _ := protocol.NewServerMessage(protocol.TypeQueueTimeout, protocol.QueueTimeoutMsg{
				Role: ev.Role,
			})
			_ = server.SendMessage(pid, resp)
		})
	})

	// Disconnect cleanup: leave the queue, end any active session, drop
	// this participant's subscriptions.
	server.SetOnDisconnect(func(pid string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := matcher.Withdraw(ctx, pid); err != nil {
			log.Printf("[disconnect] withdraw %s: %v", pid, err)
		}
		if err := sessions.Disconnected(ctx, pid); err != nil {
			log.Printf("[disconnect] session cleanup %s: %v", pid, err)
		}

		_ = natsClient.UnsubscribeMatchFound(pid)
		_ = natsClient.UnsubscribeQueueTimeout(pid)
		_ = natsClient.UnsubscribeSession(pid)
	})

	// --- REST API ---
	api := httpapi.New(matcher, sessions, engine, limiter, store)
	go func() {
		if err := api.Router().Run(cfg.APIAddr); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// --- Retention sweep ---
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sessions.Sweep(sweepCtx, cfg.SweepInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		sweepCancel()
		matcher.Stop()
		sessions.Stop()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if db != nil {
			_ = db.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
