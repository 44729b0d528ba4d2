package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/mailer"
	"chatapp/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 64
	minPasswordLen = 6

	defaultUserListLimit = 50
	maxUserListLimit     = 200
)

var validate = validator.New()

// likeEscaper 转义 LIKE 通配符，搜索词按字面子串匹配。
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// UserService 封装账号、资料、在线状态与密码重置相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	cfg    config.Config
	mailer mailer.Mailer
}

func NewUserService(db *gorm.DB, cfg config.Config, m mailer.Mailer) *UserService {
	return &UserService{db: db, cfg: cfg, mailer: m}
}

// AuthResult 是注册或登录成功后返回的数据。
type AuthResult struct {
	Token string      `json:"token"`
	User  UserSummary `json:"user"`
}

type UpdateUserInput struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Avatar   *string `json:"avatar"`
	Password *string `json:"password"`
}

func (s *UserService) tokenTTL() time.Duration {
	return time.Duration(s.cfg.TokenTTLDays) * 24 * time.Hour
}

func (s *UserService) resetTTL() time.Duration {
	return time.Duration(s.cfg.ResetTokenTTLMinutes) * time.Minute
}

func checkUsername(username string) error {
	if n := len([]rune(username)); n < minUsernameLen || n > maxUsernameLen {
		return Validation("username must be 2-64 characters")
	}
	return nil
}

func checkEmail(email string) error {
	if err := validate.Var(email, "required,email,max=190"); err != nil {
		return Validation("invalid email")
	}
	return nil
}

func checkPassword(password string) error {
	if len(password) < minPasswordLen || len(password) > auth.MaxPasswordBytes {
		return Validation("password must be 6-72 bytes")
	}
	return nil
}

func defaultAvatar(username string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(username) + "&background=random&color=fff"
}

// Signup 创建账号并直接签发 token，新用户视为在线。
func (s *UserService) Signup(ctx context.Context, username, email, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkUsername(username); err != nil {
		return nil, err
	}
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	if err := checkPassword(password); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	var existing []models.User
	if err := db.Select("username", "email").Where("username = ? OR email = ?", username, email).Find(&existing).Error; err != nil {
		return nil, Internal("lookup user", err)
	}
	for _, u := range existing {
		if u.Username == username {
			return nil, ErrUsernameTaken
		}
		if u.Email == email {
			return nil, ErrEmailTaken
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, Internal("hash password", err)
	}
	user := models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Avatar:       defaultAvatar(username),
		IsOnline:     true,
		LastSeen:     time.Now(),
	}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, Conflict("user already exists")
		}
		return nil, Internal("create user", err)
	}
	return s.issue(user)
}

// Login 校验用户名密码并签发 token，同时把用户标记为在线。
func (s *UserService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, Internal("lookup user", err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if err := s.SetPresence(ctx, user.ID, true); err != nil {
		return nil, err
	}
	return s.issue(user)
}

func (s *UserService) issue(user models.User) (*AuthResult, error) {
	token, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.tokenTTL())
	if err != nil {
		return nil, Internal("sign token", err)
	}
	return &AuthResult{Token: token, User: toUserSummary(user)}, nil
}

func (s *UserService) find(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, Internal("lookup user", err)
	}
	return &user, nil
}

func (s *UserService) GetUser(ctx context.Context, id string) (*UserProfile, error) {
	user, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return toUserProfile(*user), nil
}

// UpdateUser 修改资料，只允许用户修改自己。
func (s *UserService) UpdateUser(ctx context.Context, requesterID, id string, in UpdateUserInput) (*UserProfile, error) {
	if requesterID != id {
		return nil, ErrForbidden
	}
	user, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Username != nil {
		name := strings.TrimSpace(*in.Username)
		if err := checkUsername(name); err != nil {
			return nil, err
		}
		if name != user.Username {
			updates["username"] = name
		}
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if err := checkEmail(email); err != nil {
			return nil, err
		}
		if email != user.Email {
			updates["email"] = email
		}
	}
	if in.Avatar != nil {
		updates["avatar"] = strings.TrimSpace(*in.Avatar)
	}
	if in.Password != nil {
		if err := checkPassword(*in.Password); err != nil {
			return nil, err
		}
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, Internal("hash password", err)
		}
		updates["password_hash"] = hash
	}
	if len(updates) == 0 {
		return toUserProfile(*user), nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if _, ok := updates["username"]; ok {
				return nil, ErrUsernameTaken
			}
			return nil, ErrEmailTaken
		}
		return nil, Internal("update user", err)
	}
	return s.GetUser(ctx, id)
}

// ListUsers 返回除 viewerID 之外的用户，search 对用户名和邮箱做不区分大小写的子串匹配。
func (s *UserService) ListUsers(ctx context.Context, viewerID, search string, limit int) ([]UserSummary, error) {
	switch {
	case limit <= 0:
		limit = defaultUserListLimit
	case limit > maxUserListLimit:
		limit = maxUserListLimit
	}
	q := s.db.WithContext(ctx).Where("id <> ?", viewerID)
	if search = strings.ToLower(strings.TrimSpace(search)); search != "" {
		like := "%" + likeEscaper.Replace(search) + "%"
		q = q.Where("LOWER(username) LIKE ? ESCAPE '!' OR LOWER(email) LIKE ? ESCAPE '!'", like, like)
	}
	var users []models.User
	if err := q.Order("created_at desc, username").Limit(limit).Find(&users).Error; err != nil {
		return nil, Internal("list users", err)
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, toUserSummary(u))
	}
	return out, nil
}

// SetPresence 记录持久化的在线标志与最后活跃时间。
func (s *UserService) SetPresence(ctx context.Context, userID string, online bool) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]any{"is_online": online, "last_seen": time.Now()}).Error
	if err != nil {
		return Internal("update presence", err)
	}
	return nil
}

// ForgotPassword 签发重置令牌并发送邮件。邮箱不存在时同样返回成功，不暴露账号是否存在。
func (s *UserService) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkEmail(email); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debug().Str("email", email).Msg("password reset requested for unknown email")
			return nil
		}
		return Internal("lookup user", err)
	}

	token, jti, exp, err := auth.GenerateResetToken(user.ID, s.cfg.JWTSecret, s.resetTTL())
	if err != nil {
		return Internal("sign reset token", err)
	}
	if err := auth.SaveResetToken(db, user.ID, jti, exp); err != nil {
		return Internal("save reset token", err)
	}
	link := s.cfg.ClientURL + "/reset-password/" + url.PathEscape(token)
	if err := s.mailer.SendPasswordReset(ctx, user.Email, user.Username, link); err != nil {
		return Internal("send reset email", err)
	}
	return nil
}

// ResetPassword 消费一次性重置令牌并写入新密码。
func (s *UserService) ResetPassword(ctx context.Context, token, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	claims, err := auth.ParseResetToken(token, s.cfg.JWTSecret)
	if err != nil {
		return ErrInvalidResetToken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Internal("hash password", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := auth.ConsumeResetToken(tx, claims.UserID, claims.ID); err != nil {
			if errors.Is(err, auth.ErrResetUsed) {
				return ErrInvalidResetToken
			}
			return Internal("consume reset token", err)
		}
		res := tx.Model(&models.User{}).Where("id = ?", claims.UserID).Update("password_hash", hash)
		if res.Error != nil {
			return Internal("update password", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}
