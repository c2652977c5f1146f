package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tabsy-split-service/internal/service/session"
	"tabsy-split-service/internal/service/split"
	pkgAuth "tabsy-split-service/pkg/auth"
	apperrors "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	sessionSvc *session.Service
	splitSvc   *split.Service
}

func NewHandler(sessionSvc *session.Service, splitSvc *split.Service) *Handler {
	return &Handler{sessionSvc: sessionSvc, splitSvc: splitSvc}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// HandleSessionWS attaches one guest device to its table session's sync
// channel.
func (h *Handler) HandleSessionWS(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	token, err := getTokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := pkgAuth.ParseGuestToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	guestID := claims.GuestSessionID

	if err := h.sessionSvc.ValidateAccess(c.Request.Context(), guestID, sessionID); err != nil {
		switch {
		case errors.Is(err, apperrors.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "table session not found"})
		case errors.Is(err, apperrors.ErrNotAParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate access"})
		}
		return
	}

	outbound, err := h.splitSvc.Subscribe(c.Request.Context(), sessionID, guestID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "table session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach to session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.splitSvc.Unsubscribe(sessionID, guestID)
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("New sync channel connection",
		zap.String("tableSessionID", sessionID),
		zap.String("guestSessionID", guestID),
	)

	client := newClient(conn, guestID, sessionID, h.splitSvc, outbound)
	client.run()
}

func getTokenFromRequest(c *gin.Context) (string, error) {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token, nil
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
			if token != "" {
				return token, nil
			}
		}
	}
	return "", errors.New("missing token")
}

type client struct {
	conn      *websocket.Conn
	guestID   string
	sessionID string
	splitSvc  *split.Service
	outbound  <-chan split.OutgoingEvent
	done      chan struct{}
	pingEvery time.Duration
}

func newClient(conn *websocket.Conn, guestID, sessionID string, splitSvc *split.Service, outbound <-chan split.OutgoingEvent) *client {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	return &client{
		conn:      conn,
		guestID:   guestID,
		sessionID: sessionID,
		splitSvc:  splitSvc,
		outbound:  outbound,
		done:      make(chan struct{}),
		pingEvery: 25 * time.Second,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.splitSvc.Unsubscribe(c.sessionID, c.guestID)
		c.conn.Close()
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("WS read error", zap.Error(err),
				zap.String("guestSessionID", c.guestID), zap.String("tableSessionID", c.sessionID))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var incoming struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &incoming); err != nil {
			c.safeWrite(split.OutgoingEvent{
				Type:      split.EventError,
				Timestamp: time.Now().UnixMilli(),
				Data:      gin.H{"message": "invalid payload"},
			})
			continue
		}
		if incoming.Type == "" {
			continue
		}

		// The socket lifetime outlives the upgrade request, so actions run
		// on their own context.
		if err := c.splitSvc.HandleAction(context.Background(), c.sessionID, c.guestID, incoming.Type, incoming.Data); err != nil {
			c.safeWrite(split.OutgoingEvent{
				Type:      split.EventError,
				Timestamp: time.Now().UnixMilli(),
				Data:      gin.H{"message": err.Error()},
			})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Log.Info("WS write error", zap.Error(err),
					zap.String("guestSessionID", c.guestID), zap.String("tableSessionID", c.sessionID))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) safeWrite(msg split.OutgoingEvent) {
	if err := c.conn.WriteJSON(msg); err != nil {
		logger.Log.Info("WS write error", zap.Error(err),
			zap.String("guestSessionID", c.guestID), zap.String("tableSessionID", c.sessionID))
	}
}
