package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/models"
	"github.com/san-kum/gate-counter/server/processor"
)

const (
	MessageFrame       = "frame"
	MessageResult      = "result"
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageSubscribed  = "subscribed"
	MessageCounts      = "counts"
	MessageCrossing    = "crossing"
	MessagePing        = "ping"
	MessagePong        = "pong"
	MessageError       = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

type ClientMessage struct {
	Type      string        `json:"type"`
	StreamID  string        `json:"stream_id,omitempty"`
	Frame     *models.Frame `json:"frame,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type WebSocketHandler struct {
	processor *processor.FrameProcessor
	hub       *Hub
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func NewWebSocketHandler(fp *processor.FrameProcessor, hub *Hub, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return &WebSocketHandler{
		processor: fp,
		hub:       hub,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// wsClient owns one connection. Only the write pump writes to conn.
type wsClient struct {
	handler  *WebSocketHandler
	conn     *websocket.Conn
	send     chan ServerMessage
	sub      *Subscription
	clientIP string
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		handler:  h,
		conn:     conn,
		send:     make(chan ServerMessage, sendBuffer),
		clientIP: c.ClientIP(),
	}
	h.logger.Info("WebSocket client connected", zap.String("client_ip", client.clientIP))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writePump()
	}()

	client.readPump(ctx)

	h.hub.Unsubscribe(client.sub)
	close(client.send)
	<-writerDone

	h.logger.Info("WebSocket client disconnected", zap.String("client_ip", client.clientIP))
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var message ClientMessage
		if err := c.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Warn("WebSocket read failed", zap.Error(err), zap.String("client_ip", c.clientIP))
			}
			return
		}
		c.handleMessage(ctx, &message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail closes the connection so the reader exits, then drains send until
// the handler closes it.
func (c *wsClient) fail(err error) {
	c.handler.logger.Warn("WebSocket write failed", zap.Error(err), zap.String("client_ip", c.clientIP))
	c.conn.Close()
	for range c.send {
	}
}

func (c *wsClient) handleMessage(ctx context.Context, message *ClientMessage) {
	h := c.handler

	switch message.Type {
	case MessageFrame:
		c.processFrame(ctx, message)
	case MessageSubscribe:
		h.hub.Unsubscribe(c.sub)
		c.sub = h.hub.Subscribe(message.StreamID, c.send)
		c.reply(MessageSubscribed, message.StreamID, gin.H{"subscribed": true})
	case MessageUnsubscribe:
		h.hub.Unsubscribe(c.sub)
		c.sub = nil
		c.reply(MessageSubscribed, message.StreamID, gin.H{"subscribed": false})
	case MessageCounts:
		counts, err := h.processor.Counts(streamOrDefault(message.StreamID))
		if err != nil {
			c.sendError(message.StreamID, err.Error())
			return
		}
		c.reply(MessageCounts, message.StreamID, counts)
	case MessagePing:
		c.reply(MessagePong, "", gin.H{"timestamp": time.Now().Unix()})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		c.sendError("", "Unknown message type: "+message.Type)
	}
}

func (c *wsClient) processFrame(ctx context.Context, message *ClientMessage) {
	if message.Frame == nil {
		c.sendError(message.StreamID, "frame message without frame")
		return
	}
	frame := message.Frame
	if frame.StreamID == "" {
		frame.StreamID = message.StreamID
	}
	if err := validateFrame(frame); err != nil {
		c.sendError(frame.StreamID, err.Error())
		return
	}

	result, err := c.handler.processor.ProcessFrame(ctx, frame)
	if err != nil {
		c.handler.logger.Error("Frame processing failed",
			zap.String("stream_id", frame.StreamID),
			zap.Uint64("seq", frame.Seq),
			zap.Error(err))
		c.sendError(frame.StreamID, "Frame processing failed: "+err.Error())
		return
	}
	c.reply(MessageResult, result.StreamID, result)
}

func (c *wsClient) reply(messageType, streamID string, data any) {
	c.send <- ServerMessage{Type: messageType, StreamID: streamID, Data: data}
}

func (c *wsClient) sendError(streamID, errorMsg string) {
	c.reply(MessageError, streamID, gin.H{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func streamOrDefault(id string) string {
	if id == "" {
		return processor.DefaultStreamID
	}
	return id
}
