package server

import (
	"net/http"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/metrics"
	"chatapp/internal/mw"
	"chatapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, gw *ws.Gateway, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(mw.OriginChecker(cfg.Env, cfg.AllowedOrigins)))
	if rl != nil {
		r.Use(rl.Handler())
	}

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	authAPI := api.Group("/auth")
	authAPI.POST("/signup", h.Signup)
	authAPI.POST("/login", h.Login)

	chat := api.Group("/chat")
	chat.GET("/users", h.ListUsers)
	chat.POST("/forget-password", h.ForgotPassword)
	chat.POST("/reset-password/:token", h.ResetPassword)

	// 需要 Bearer Token 的业务接口。
	authed := chat.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.POST("/conversations", h.CreateConversation)
	authed.POST("/conversations/add-user", h.AddParticipant)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.POST("/messages", h.SendMessage)
	authed.GET("/users/:id", h.GetUser)
	authed.PUT("/users/:id", h.UpdateUser)
	authed.GET("/users/:id/conversations", h.ListUserConversations)

	if gw != nil {
		r.GET("/ws", gw.Serve())
	}
	return r
}
