package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatapp/internal/metrics"

	"github.com/rs/zerolog/log"
)

// envelope 是双向通用的帧格式。
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: payload})
}

// Hub 管理全部在线连接，按连接 ID 索引，并发安全。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub { return &Hub{clients: make(map[string]*Client)} }

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WsConnections.Set(float64(n))
}

// remove 报告连接是否仍在表中。
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WsConnections.Set(float64(n))
	return ok
}

func (h *Hub) get(connID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

// Push 向单个连接投递事件，连接不存在或发送缓冲已满时返回 false。
func (h *Hub) Push(connID, event string, payload any) bool {
	c := h.get(connID)
	if c == nil {
		return false
	}
	b, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode push")
		return false
	}
	return c.enqueue(b)
}

// Broadcast 向除 exceptConnID 之外的全部连接投递事件，返回成功入队的数量。
func (h *Hub) Broadcast(event string, payload any, exceptConnID string) int {
	b, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return 0
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(b) {
			sent++
		}
	}
	return sent
}

// Close 关闭指定连接的发送队列，writePump 随后发出 close 帧并断开。
func (h *Hub) Close(connID string) bool {
	c := h.get(connID)
	if c == nil {
		return false
	}
	c.shutdown()
	return true
}

// CloseAll 在停服时断开全部连接。
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.shutdown()
	}
}

// Wait 等待所有连接退出，或在 ctx 结束时返回 ctx 的错误。
func (h *Hub) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
