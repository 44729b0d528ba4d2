package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/metrics"
	"chatapp/internal/presence"
	"chatapp/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
	eventTimeout   = 10 * time.Second

	eventRate  = 10
	eventBurst = 20

	maxClientErrorLen = 1024
)

// 客户端发给服务端的事件名。
const (
	EventAuthenticate       = "authenticate"
	EventTyping             = "typing"
	EventCreateConversation = "createConversation"
	EventError              = "error"
)

// Presence 是网关对在线表的要求：在基础契约之外还需要按连接释放和心跳。
type Presence interface {
	presence.Registry
	Release(userID, connID string) bool
	Touch(userID, connID string)
	Len() int
}

type Client struct {
	id      string
	userID  string
	uname   string
	conn    *websocket.Conn
	ctx     context.Context
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// authed 只在 readPump 所在的 goroutine 中读写
	authed bool
}

func newClient(ctx context.Context, conn *websocket.Conn, userID, uname string) *Client {
	return &Client{
		id:      uuid.NewString(),
		userID:  userID,
		uname:   uname,
		conn:    conn,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(eventRate), eventBurst),
		send:    make(chan []byte, sendBuffer),
	}
}

// enqueue 非阻塞入队；缓冲已满说明对端消费过慢，直接断开。
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("send buffer full, dropping connection")
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authenticatePayload struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	UserID         string `json:"userId" validate:"max=64"`
	IsTyping       bool   `json:"isTyping"`
}

type createConversationPayload struct {
	ParticipantIDs []string `json:"participantIds" validate:"max=256,dive,required,max=64"`
	Name           string   `json:"name" validate:"max=128"`
}

type clientErrorPayload struct {
	Message string `json:"message"`
}

type typingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type conversationError struct {
	Error string `json:"error"`
}

// Gateway 负责握手鉴权，并把客户端事件桥接到在线表、业务层和其他连接。
type Gateway struct {
	hub      *Hub
	presence Presence
	users    *service.UserService
	chat     *service.ChatService
	cfg      config.Config
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewGateway 创建网关。allowOrigin 为 nil 时接受任意来源。
func NewGateway(hub *Hub, reg Presence, users *service.UserService, chat *service.ChatService, cfg config.Config, allowOrigin func(string) bool) *Gateway {
	g := &Gateway{
		hub:      hub,
		presence: reg,
		users:    users,
		chat:     chat,
		cfg:      cfg,
		validate: validator.New(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowOrigin == nil {
				return true
			}
			return allowOrigin(origin)
		},
	}
	return g
}

// Serve 在升级前校验 token 签名、过期时间和用户是否存在，任何一项失败都不会升级。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := g.users.GetUser(c.Request.Context(), claims.UserID)
		if err != nil {
			if service.KindOf(err) == service.KindNotFound {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
				return
			}
			log.Error().Err(err).Str("user_id", claims.UserID).Msg("ws handshake lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(c.Request.Context(), conn, user.ID, user.Username)
		g.hub.add(client)
		log.Debug().Str("conn_id", client.id).Str("user_id", client.userID).Msg("ws connected")

		go g.writePump(client)
		g.readPump(client)
	}
}

func (g *Gateway) readPump(c *Client) {
	defer func() {
		g.disconnect(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.authed {
			g.presence.Touch(c.userID, c.id)
		}
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		if c.authed {
			g.presence.Touch(c.userID, c.id)
		}
		g.dispatch(c, data)
	}
}

func (g *Gateway) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decode 解析并校验事件负载，失败时已经向该连接回报错误。
func (g *Gateway) decode(c *Client, event string, data json.RawMessage, v any) bool {
	if len(data) == 0 || json.Unmarshal(data, v) != nil {
		g.reject(c, event, "invalid "+event+" payload")
		return false
	}
	if err := g.validate.Struct(v); err != nil {
		g.reject(c, event, "invalid "+event+" payload")
		return false
	}
	return true
}

// reject 只通知发起事件的连接。
func (g *Gateway) reject(c *Client, event, msg string) {
	metrics.SocketEventsTotal.WithLabelValues(event, "rejected").Inc()
	g.hub.Push(c.id, service.EventNotification, service.Notification{Message: msg, Type: "error"})
}

func (g *Gateway) dispatch(c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
		g.reject(c, "unknown", "malformed event")
		return
	}
	if !c.limiter.Allow() {
		g.reject(c, in.Event, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, eventTimeout)
	defer cancel()

	switch in.Event {
	case EventAuthenticate:
		g.onAuthenticate(ctx, c, in.Data)
	case EventTyping:
		g.onTyping(ctx, c, in.Data)
	case EventCreateConversation:
		g.onCreateConversation(ctx, c, in.Data)
	case EventError:
		g.onClientError(c, in.Data)
	default:
		g.reject(c, "unknown", "unknown event "+in.Event)
		return
	}
	metrics.SocketEventsTotal.WithLabelValues(in.Event, "handled").Inc()
}

func (g *Gateway) onAuthenticate(ctx context.Context, c *Client, data json.RawMessage) {
	var p authenticatePayload
	// 兼容直接发送字符串 userId 的客户端
	var bare string
	if json.Unmarshal(data, &bare) == nil {
		p.UserID = bare
		data = nil
	}
	if data != nil && !g.decode(c, EventAuthenticate, data, &p) {
		return
	}
	if p.UserID == "" || p.UserID != c.userID {
		g.reject(c, EventAuthenticate, "userId does not match token")
		return
	}

	g.presence.Register(c.userID, c.id)
	metrics.PresenceOnline.Set(float64(g.presence.Len()))
	first := !c.authed
	c.authed = true
	if err := g.users.SetPresence(ctx, c.userID, true); err != nil {
		log.Error().Err(err).Str("user_id", c.userID).Msg("mark online")
	}
	if first {
		g.hub.Broadcast(service.EventUserOnline, c.userID, c.id)
	}
	log.Info().Str("conn_id", c.id).Str("user_id", c.userID).Msg("user online")
}

func (g *Gateway) onTyping(ctx context.Context, c *Client, data json.RawMessage) {
	if !c.authed {
		g.reject(c, EventTyping, "authenticate first")
		return
	}
	var p typingPayload
	if !g.decode(c, EventTyping, data, &p) {
		return
	}
	if p.UserID != "" && p.UserID != c.userID {
		g.reject(c, EventTyping, "userId does not match token")
		return
	}
	ids, err := g.chat.ParticipantIDs(ctx, p.ConversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", p.ConversationID).Msg("typing participants")
		return
	}
	member := false
	for _, id := range ids {
		if id == c.userID {
			member = true
			break
		}
	}
	if !member {
		g.reject(c, EventTyping, "not a participant of this conversation")
		return
	}

	evt := typingEvent{ConversationID: p.ConversationID, UserID: c.userID, IsTyping: p.IsTyping}
	for _, id := range ids {
		if id == c.userID {
			continue
		}
		if connID, ok := g.presence.Lookup(id); ok {
			metrics.ObservePush(service.EventUserTyping, g.hub.Push(connID, service.EventUserTyping, evt))
		}
	}
}

func (g *Gateway) onCreateConversation(ctx context.Context, c *Client, data json.RawMessage) {
	if !c.authed {
		g.reject(c, EventCreateConversation, "authenticate first")
		return
	}
	var p createConversationPayload
	if !g.decode(c, EventCreateConversation, data, &p) {
		return
	}
	_, err := g.chat.CreateConversation(ctx, service.CreateConversationInput{
		ParticipantIDs: p.ParticipantIDs,
		Name:           p.Name,
		CreatorID:      c.userID,
	})
	if err != nil {
		if service.KindOf(err) == service.KindInternal {
			log.Error().Err(err).Str("user_id", c.userID).Msg("create conversation")
		}
		g.hub.Push(c.id, service.EventConversationError, conversationError{Error: service.PublicMessage(err)})
	}
}

func (g *Gateway) onClientError(c *Client, data json.RawMessage) {
	var p clientErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		p.Message = ""
	}
	log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Str("client_error", truncate(p.Message, maxClientErrorLen)).Msg("client reported error")
	g.hub.Push(c.id, service.EventNotification, service.Notification{Message: "Something went wrong", Type: "error"})
}

// truncate 按 rune 边界截断到不超过 n 字节。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// disconnect 只有在该连接仍占有在线表条目时才把用户标记为离线。
func (g *Gateway) disconnect(c *Client) {
	g.hub.remove(c)
	c.shutdown()
	if c.authed && g.presence.Release(c.userID, c.id) {
		g.markOffline(c.userID)
	}
	log.Debug().Str("conn_id", c.id).Str("user_id", c.userID).Msg("ws disconnected")
}

func (g *Gateway) markOffline(userID string) {
	metrics.PresenceOnline.Set(float64(g.presence.Len()))
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := g.users.SetPresence(ctx, userID, false); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("mark offline")
	}
	g.hub.Broadcast(service.EventUserOffline, userID, "")
	log.Info().Str("user_id", userID).Msg("user offline")
}

// Expire 处理心跳超时被在线表清除的条目：断开连接并把用户标记为离线。
func (g *Gateway) Expire(e presence.Entry) {
	log.Warn().Str("conn_id", e.ConnID).Str("user_id", e.UserID).Msg("presence heartbeat timeout")
	g.hub.Close(e.ConnID)
	g.markOffline(e.UserID)
}
