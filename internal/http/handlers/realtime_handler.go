// README: Websocket transport for propagation topics. One connection follows one topic.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sakay/internal/http/middleware"
	"sakay/internal/modules/realtime"
	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients are authenticated by token, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type TripReader interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
}

type RealtimeHandler struct {
	hub   *realtime.Hub
	trips TripReader
	log   logrus.FieldLogger
}

func NewRealtimeHandler(hub *realtime.Hub, trips TripReader, log logrus.FieldLogger) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, trips: trips, log: log.WithField("component", "ws")}
}

func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	topic, err := realtime.ParseTopic(c.Param("topic"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !h.authorize(c, topic) {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.hub.Subscribe(ctx, topic)
	if err != nil {
		h.log.WithError(err).WithField("topic", topic).Warn("subscribe failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Close()

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub)
}

// readPump discards client frames and cancels the subscription when the peer goes away.
func (h *RealtimeHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket read")
			}
			return
		}
	}
}

func (h *RealtimeHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *realtime.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-ctx.Done():
			return
		}
	}
}

// authorize lets anyone follow the online-drivers topic; trip topics are limited to the
// trip's parties and staff.
func (h *RealtimeHandler) authorize(c *gin.Context, topic realtime.Topic) bool {
	id, ok := topic.TripID()
	if !ok {
		return true
	}
	t, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			writeError(c, http.StatusNotFound, err.Error())
			return false
		}
		writeServiceError(c, err)
		return false
	}
	uid := caller(c)
	if t.PassengerID == uid || t.BoundTo(uid) || isStaff(c) {
		return true
	}
	if middleware.CallerRole(c) == middleware.RoleDriver && t.Status.PreAcceptance() {
		return true
	}
	writeError(c, http.StatusForbidden, "not a party to this trip")
	return false
}
