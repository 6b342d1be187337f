package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

// wireEvent is the JSON shape a push-based platform delivers over its
// event bus: the generalisation of picobot's chat.Inbound record to an
// arbitrary WS event bus rather than one hardcoded transport.
type wireEvent struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	ChatName string `json:"chatName"`
	ChatType string `json:"chatType"`
	SenderID string `json:"senderId"`
	Sender   string `json:"senderName"`
	Content  string `json:"content"`
	SentAt   string `json:"sentAt"`
}

// wireOutbound is the frame type this adapter sends back over the bus —
// plain sends and status updates share one frame shape, discriminated by
// Kind.
type wireOutbound struct {
	Kind          string `json:"kind"` // "send" or "status"
	ChatID        string `json:"chatId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Text          string `json:"text"`
}

// WebsocketMessenger is the push-based Messenger adapter, satisfying
// NeedsPolling() == false: every inbound event arrives via the listener
// callback, which persists at the adapter rather than relying on a
// separate ingestion tail. Exercises gorilla/websocket as a generic bridge
// to a messaging platform's own event-bus gateway, grounded in the
// Hub-subscription shape of picobot's whatsappClient.runOutbound loop
// generalised to a WS connection instead of whatsmeow's native client.
type WebsocketMessenger struct {
	listenAddr string
	logger     *logging.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	statuses map[statusKey]string // tracked correlation ids, keyed same as telegram

	seen *seenIDs
}

// NewWebsocketMessenger constructs a push-based adapter listening on addr
// for a platform gateway's event-bus connections.
func NewWebsocketMessenger(addr string, logger *logging.Logger) *WebsocketMessenger {
	return &WebsocketMessenger{
		listenAddr: addr,
		logger:     logger.WithFields(zap.String("component", "messenger.websocket")),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:      make(map[*websocket.Conn]struct{}),
		statuses:   make(map[statusKey]string),
		seen:       newSeenIDs(1000),
	}
}

func (w *WebsocketMessenger) Connect(ctx context.Context) error {
	if w.listenAddr == "" {
		return fmt.Errorf("messenger: websocket listen address is required")
	}
	return nil
}

func (w *WebsocketMessenger) Send(ctx context.Context, chatID, text string) {
	w.broadcast(wireOutbound{Kind: "send", ChatID: chatID, Text: text})
}

func (w *WebsocketMessenger) SendOrUpdateStatus(ctx context.Context, chatID, correlationID, text string, isFirst bool) {
	w.mu.Lock()
	w.statuses[statusKey{chatID: chatID, correlationID: correlationID}] = text
	w.mu.Unlock()
	w.broadcast(wireOutbound{Kind: "status", ChatID: chatID, CorrelationID: correlationID, Text: text})
}

func (w *WebsocketMessenger) ClearStatus(chatID, correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if correlationID == "" {
		for k := range w.statuses {
			if k.chatID == chatID {
				delete(w.statuses, k)
			}
		}
		return
	}
	delete(w.statuses, statusKey{chatID: chatID, correlationID: correlationID})
}

// RegisterCommands is a no-op: the bus-gateway transport has no platform
// command-catalogue concept.
func (w *WebsocketMessenger) RegisterCommands(ctx context.Context, commands []Command) error {
	return nil
}

func (w *WebsocketMessenger) StartListener(ctx context.Context, cb Callback) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.logger.WithError(err).Warn("websocket: upgrade failed")
			return
		}
		w.trackConn(conn)
		defer w.untrackConn(conn)

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var evt wireEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				w.logger.WithError(err).Debug("websocket: dropping unparseable event")
				continue
			}
			if w.seen.seen(evt.ID) {
				continue
			}
			msg := toInboundMessage(evt)
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.logger.Error("websocket: listener callback panic recovered", zap.Any("panic", r))
					}
				}()
				cb(msg)
			}()
		}
	})

	w.server = &http.Server{Addr: w.listenAddr, Handler: mux}
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.WithError(err).Error("websocket: listener stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// NeedsPolling is false: every inbound event arrives via the listener
// callback above, which is the adapter's sole ingestion path.
func (w *WebsocketMessenger) NeedsPolling() bool { return false }

func (w *WebsocketMessenger) PollInterval() int { return 0 }

func (w *WebsocketMessenger) trackConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conns[c] = struct{}{}
}

func (w *WebsocketMessenger) untrackConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, c)
	_ = c.Close()
}

func (w *WebsocketMessenger) broadcast(out wireOutbound) {
	payload, err := json.Marshal(out)
	if err != nil {
		w.logger.WithError(err).Warn("websocket: failed to marshal outbound frame")
		return
	}

	w.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			w.logger.WithError(err).Debug("websocket: send failed")
		}
	}
}

func toInboundMessage(evt wireEvent) InboundMessage {
	chatType := ChatGroup
	if evt.ChatType != "group" {
		chatType = ChatPrivate
	}
	ts := evt.SentAt
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return InboundMessage{
		ID:                evt.ID,
		ChatID:            evt.ChatID,
		SenderID:          evt.SenderID,
		SenderDisplayName: evt.Sender,
		Content:           evt.Content,
		Timestamp:         ts,
		ChatType:          chatType,
		ChatName:          evt.ChatName,
	}
}
