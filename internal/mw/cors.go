package mw

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// OriginChecker 返回来源校验函数：dev 环境允许所有来源，其余环境只允许白名单。
// HTTP 的 CORS 与 WebSocket 握手共用同一份规则。
func OriginChecker(env string, allowed []string) func(string) bool {
	if env == "dev" {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// CORS 返回跨域中间件。
func CORS(allowOrigin func(string) bool) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  allowOrigin,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	})
}
