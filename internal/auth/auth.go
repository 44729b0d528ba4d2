package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chatapp/internal/config"
	"chatapp/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	PurposeAccess = "access"
	PurposeReset  = "reset"

	// bcrypt 只使用前 72 字节
	MaxPasswordBytes = 72
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrResetUsed    = errors.New("reset token already used or unknown")
)

type Claims struct {
	UserID  string `json:"uid"`
	Purpose string `json:"pur"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func sign(userID, purpose, jti, secret string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:  userID,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	return s, exp, err
}

func parse(tokenStr, purpose, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Purpose != purpose || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateAccessToken 签发绑定用户 ID 的 bearer token。
func GenerateAccessToken(userID, secret string, ttl time.Duration) (string, error) {
	s, _, err := sign(userID, PurposeAccess, "", secret, ttl)
	return s, err
}

// ParseAccessToken 校验签名、算法与过期时间。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	return parse(tokenStr, PurposeAccess, secret)
}

// GenerateResetToken 签发限时的密码重置令牌，返回令牌、jti 与过期时间。
func GenerateResetToken(userID, secret string, ttl time.Duration) (string, string, time.Time, error) {
	jti := uuid.NewString()
	s, exp, err := sign(userID, PurposeReset, jti, secret, ttl)
	return s, jti, exp, err
}

func ParseResetToken(tokenStr, secret string) (*Claims, error) {
	claims, err := parse(tokenStr, PurposeReset, secret)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func SaveResetToken(db *gorm.DB, userID, tokenID string, expiresAt time.Time) error {
	pr := models.PasswordReset{UserID: userID, TokenID: tokenID, ExpiresAt: expiresAt}
	return db.Create(&pr).Error
}

// ConsumeResetToken 将令牌标记为已使用；令牌未知、已过期或已用过时返回 ErrResetUsed。
func ConsumeResetToken(db *gorm.DB, userID, tokenID string) error {
	now := time.Now()
	res := db.Model(&models.PasswordReset{}).
		Where("token_id = ? AND user_id = ? AND used_at IS NULL AND expires_at > ?", tokenID, userID, now).
		Update("used_at", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrResetUsed
	}
	return nil
}

// BearerToken 从 Authorization 头中取出 token，格式不对时返回空串。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

func AuthMiddleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseAccessToken(tokenStr, cfg.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, "id = ?", claims.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString("userID")
}
