package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online_users",
		Help: "Users currently registered in the presence registry",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_pushes_total",
		Help: "Events pushed to live connections",
	}, []string{"event", "result"})
	SocketEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_events_total",
		Help: "Client socket events handled",
	}, []string{"event", "result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		PresenceOnline,
		MessagesTotal,
		PushesTotal,
		SocketEventsTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// ObservePush 记录一次推送结果，delivered 为 false 表示目标连接不存在或缓冲已满。
func ObservePush(event string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	PushesTotal.WithLabelValues(event, result).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
