package server

import (
	"net/http"
	"strconv"

	"chatapp/internal/auth"
	"chatapp/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	chatSvc *service.ChatService
}

func NewHandler(userSvc *service.UserService, chatSvc *service.ChatService) *Handler {
	return &Handler{userSvc: userSvc, chatSvc: chatSvc}
}

// Signup 处理用户注册请求。
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.Signup(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(c, "signup", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateConversation 创建会话，请求者必须在参与者之中。
func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		ParticipantIDs []string `json:"participantIds"`
		Name           string   `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	conv, err := h.chatSvc.CreateConversation(c.Request.Context(), service.CreateConversationInput{
		ParticipantIDs: req.ParticipantIDs,
		Name:           req.Name,
		CreatorID:      auth.GetUserID(c),
	})
	if err != nil {
		writeError(c, "create conversation", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// SendMessage 以当前用户身份发送消息。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		ConversationID string  `json:"conversationId"`
		Content        string  `json:"content"`
		MessageType    string  `json:"messageType"`
		FileURL        *string `json:"fileUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.chatSvc.SendMessage(c.Request.Context(), service.SendMessageInput{
		ConversationID: req.ConversationID,
		SenderID:       auth.GetUserID(c),
		Content:        req.Content,
		MessageType:    req.MessageType,
		FileURL:        req.FileURL,
	})
	if err != nil {
		writeError(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages 返回会话消息，仅参与者可见。
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	if err := h.chatSvc.RequireParticipant(ctx, convID, auth.GetUserID(c)); err != nil {
		writeError(c, "list messages", err)
		return
	}
	msgs, err := h.chatSvc.GetConversationMessages(ctx, convID)
	if err != nil {
		writeError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListUserConversations 只允许查询自己的会话列表。
func (h *Handler) ListUserConversations(c *gin.Context) {
	userID := c.Param("id")
	if userID != auth.GetUserID(c) {
		writeError(c, "list conversations", service.ErrForbidden)
		return
	}
	convs, err := h.chatSvc.GetUserConversations(c.Request.Context(), userID)
	if err != nil {
		writeError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// AddParticipant 由会话现有参与者把新用户加入会话。
func (h *Handler) AddParticipant(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" || req.UserID == "" {
		badRequest(c, "invalid payload")
		return
	}
	ctx := c.Request.Context()
	if err := h.chatSvc.RequireParticipant(ctx, req.ConversationID, auth.GetUserID(c)); err != nil {
		writeError(c, "add participant", err)
		return
	}
	conv, err := h.chatSvc.AddParticipant(ctx, req.ConversationID, req.UserID)
	if err != nil {
		writeError(c, "add participant", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// DeleteConversation 由参与者删除会话及其全部消息。
func (h *Handler) DeleteConversation(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	if err := h.chatSvc.RequireParticipant(ctx, convID, auth.GetUserID(c)); err != nil {
		writeError(c, "delete conversation", err)
		return
	}
	if err := h.chatSvc.DeleteConversation(ctx, convID); err != nil {
		writeError(c, "delete conversation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListUsers 搜索用户，无需登录。排除的用户可以用 excludeId 或 exclude 传入。
func (h *Handler) ListUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	exclude := c.DefaultQuery("excludeId", c.Query("exclude"))
	users, err := h.userSvc.ListUsers(c.Request.Context(), exclude, c.Query("search"), limit)
	if err != nil {
		writeError(c, "list users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.userSvc.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "get user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) UpdateUser(c *gin.Context) {
	var req service.UpdateUserInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.userSvc.UpdateUser(c.Request.Context(), auth.GetUserID(c), c.Param("id"), req)
	if err != nil {
		writeError(c, "update user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ForgotPassword 无论邮箱是否存在都返回相同响应。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.userSvc.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		writeError(c, "forgot password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "if the email is registered, a reset link has been sent"})
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.userSvc.ResetPassword(c.Request.Context(), c.Param("token"), req.Password); err != nil {
		writeError(c, "reset password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}
