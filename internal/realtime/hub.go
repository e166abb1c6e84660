package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/karaoke-room-system/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checking is handled by the CORS layer in front
	},
}

const writeTimeout = 10 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type hubRoom struct {
	clients map[string]*client
	sub     *Subscription
}

// Hub bridges room broadcast channels to websocket participants. One
// subscription per room is shared across all of that room's connections and
// torn down when the last one leaves.
type Hub struct {
	broadcaster *Broadcaster
	log         zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*hubRoom
}

func NewHub(broadcaster *Broadcaster, log zerolog.Logger) *Hub {
	return &Hub{
		broadcaster: broadcaster,
		log:         log.With().Str("component", "ws-hub").Logger(),
		rooms:       make(map[string]*hubRoom),
	}
}

// HandleWebSocket upgrades the connection and streams the room's events to
// it until the peer goes away. Mutations arrive over the REST API, so the
// read side only keeps the connection alive.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	roomCode := c.Param("code")
	if roomCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room code is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.New().String()
	if err := h.addClient(c.Request.Context(), roomCode, connID, conn); err != nil {
		h.log.Error().Err(err).Str("room", roomCode).Msg("failed to join room channel")
		_ = conn.Close()
		return
	}
	defer h.removeClient(roomCode, connID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("room", roomCode).Msg("websocket closed")
			}
			return
		}
	}
}

func (h *Hub) addClient(ctx context.Context, roomCode, connID string, conn *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomCode]
	if !ok {
		sub, err := h.broadcaster.Subscribe(ctx, roomCode, h.roomHandlers(roomCode))
		if err != nil {
			return err
		}
		room = &hubRoom{clients: make(map[string]*client), sub: sub}
		h.rooms[roomCode] = room
	}
	room.clients[connID] = &client{conn: conn}
	h.log.Debug().Str("room", roomCode).Int("clients", len(room.clients)).Msg("participant connected")
	return nil
}

func (h *Hub) removeClient(roomCode, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomCode]
	if !ok {
		return
	}
	if cl, ok := room.clients[connID]; ok {
		_ = cl.conn.Close()
		delete(room.clients, connID)
	}
	if len(room.clients) == 0 {
		room.sub.Close()
		delete(h.rooms, roomCode)
	}
}

// roomHandlers re-wraps decoded payloads into envelopes for the wire, so
// every websocket client sees the same tagged event shape the broadcast
// contract defines.
func (h *Hub) roomHandlers(roomCode string) Handlers {
	return Handlers{
		OnQueueUpdated: func(p events.QueueUpdatedPayload) {
			if ev, err := events.NewQueueUpdated(roomCode, p.Queue); err == nil {
				h.fanOut(roomCode, ev)
			}
		},
		OnSongChanged: func(p events.SongChangedPayload) {
			if ev, err := events.NewSongChanged(roomCode, p.CurrentSongID, p.Song); err == nil {
				h.fanOut(roomCode, ev)
			}
		},
		OnPlaybackControl: func(p events.PlaybackControlPayload) {
			if ev, err := events.NewPlaybackControl(roomCode, p.Action, time.UnixMilli(p.Timestamp), p.Volume); err == nil {
				h.fanOut(roomCode, ev)
			}
		},
	}
}

func (h *Hub) fanOut(roomCode string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal event for fan-out")
		return
	}

	h.mu.RLock()
	room, ok := h.rooms[roomCode]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clients := make([]*client, 0, len(room.clients))
	for _, cl := range room.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		if err := cl.send(data); err != nil {
			h.log.Debug().Err(err).Str("room", roomCode).Msg("failed to push event to client")
		}
	}
}

// Close tears down every room subscription and connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, room := range h.rooms {
		room.sub.Close()
		for _, cl := range room.clients {
			_ = cl.conn.Close()
		}
		delete(h.rooms, code)
	}
}
