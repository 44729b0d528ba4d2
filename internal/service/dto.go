package service

import (
	"time"

	"chatapp/internal/models"
)

// Pusher 把事件投递给一个在线连接。实现必须是非阻塞的，连接不存在时返回 false。
type Pusher interface {
	Push(connID, event string, payload any) bool
}

// 服务端推送给客户端的事件名。
const (
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventUserTyping        = "userTyping"
	EventNewConversation   = "newConversation"
	EventNewMessage        = "newMessage"
	EventNotification      = "notification"
	EventConversationError = "conversationError"
)

type Notification struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
}

type UserProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
}

type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type MessageDTO struct {
	ID             uint      `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	FileURL        *string   `json:"fileUrl,omitempty"`
	ReadBy         []string  `json:"readBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

type ConversationDTO struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	Name            *string       `json:"name,omitempty"`
	LastMessage     *string       `json:"lastMessage"`
	LastMessageTime time.Time     `json:"lastMessageTime"`
	CreatedAt       time.Time     `json:"createdAt"`
	Participants    []Participant `json:"participants"`
	Receivers       []Participant `json:"receivers,omitempty"`
	LatestMessage   *MessageDTO   `json:"latestMessage,omitempty"`
}

func toUserSummary(u models.User) UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Email: u.Email, Avatar: u.Avatar}
}

func toUserProfile(u models.User) *UserProfile {
	return &UserProfile{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Avatar:    u.Avatar,
		IsOnline:  u.IsOnline,
		LastSeen:  u.LastSeen,
		CreatedAt: u.CreatedAt,
	}
}

func toMessageDTO(m models.Message, username string) MessageDTO {
	readBy := []string(m.ReadBy)
	if readBy == nil {
		readBy = []string{}
	}
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Sender:         Sender{ID: m.SenderID, Username: username},
		Content:        m.Content,
		MessageType:    m.MessageType,
		FileURL:        m.FileURL,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
}

func toConversationDTO(c models.Conversation, participants []Participant) ConversationDTO {
	if participants == nil {
		participants = []Participant{}
	}
	return ConversationDTO{
		ID:              c.ID,
		Type:            c.Type,
		Name:            c.Name,
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageTime,
		CreatedAt:       c.CreatedAt,
		Participants:    participants,
	}
}
