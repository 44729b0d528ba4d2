package server

import (
	"net/http"

	"chatapp/internal/auth"
	"chatapp/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func statusOf(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuth:
		return http.StatusUnauthorized
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError 是业务错误到 HTTP 响应的唯一映射点，内部错误只记录日志不外泄。
func writeError(c *gin.Context, op string, err error) {
	kind := service.KindOf(err)
	if kind == service.KindInternal {
		log.Error().Err(err).Str("op", op).Str("user_id", auth.GetUserID(c)).Msg("request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusOf(kind), gin.H{"error": service.PublicMessage(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
