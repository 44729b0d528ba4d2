package server

import (
	"net/http"
	"time"
)

// NewHTTPServer 返回带超时配置的 http.Server。WebSocket 连接在升级后自行管理读写 deadline。
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
