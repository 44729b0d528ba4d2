package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"

	MessageText  = "text"
	MessageImage = "image"
	MessageFile  = "file"
)

type User struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Username     string    `gorm:"uniqueIndex;size:64;not null"`
	Email        string    `gorm:"uniqueIndex;size:190;not null"`
	PasswordHash string    `gorm:"not null"`
	Avatar       string    `gorm:"size:512"`
	IsOnline     bool      `gorm:"not null;default:false"`
	LastSeen     time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Conversation 的 ParticipantKey 是参与者集合的摘要，唯一索引保证同一集合只存在一个会话。
type Conversation struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Type            string    `gorm:"size:16;not null"`
	Name            *string   `gorm:"size:128"`
	LastMessage     *string   `gorm:"type:text"`
	LastMessageTime time.Time `gorm:"index"`
	ParticipantKey  string    `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = ConversationPrivate
	}
	if c.LastMessageTime.IsZero() {
		c.LastMessageTime = time.Now()
	}
	return nil
}

type ConversationParticipant struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:36;index"`
	IsAdmin        bool   `gorm:"not null;default:false"`
	LastRead       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Message struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"index:idx_msg_conversation_id;size:36;not null"`
	SenderID       string `gorm:"index;size:36;not null"`
	Content        string `gorm:"type:text;not null"`
	ReadBy         datatypes.JSONSlice[string]
	MessageType    string  `gorm:"size:16;not null"`
	FileURL        *string `gorm:"size:512"`
	CreatedAt      time.Time
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ReadBy == nil {
		m.ReadBy = datatypes.JSONSlice[string]{}
	}
	if m.MessageType == "" {
		m.MessageType = MessageText
	}
	return nil
}

// PasswordReset 记录已签发的重置令牌，保证每个令牌只能使用一次。
type PasswordReset struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"index;size:36;not null"`
	TokenID   string    `gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UsedAt    *time.Time
	CreatedAt time.Time
}
