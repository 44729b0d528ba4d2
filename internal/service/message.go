package service

import (
	"context"
	"errors"
	"strings"

	"chatapp/internal/metrics"
	"chatapp/internal/models"

	"gorm.io/gorm"
)

const maxContentLen = 4000

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    string
	FileURL        *string
}

func checkMessage(in *SendMessageInput) error {
	in.Content = strings.TrimSpace(in.Content)
	if in.MessageType == "" {
		in.MessageType = models.MessageText
	}
	if in.FileURL != nil {
		u := strings.TrimSpace(*in.FileURL)
		if u == "" {
			in.FileURL = nil
		} else {
			in.FileURL = &u
		}
	}
	switch in.MessageType {
	case models.MessageText:
		if in.Content == "" {
			return Validation("content is required")
		}
	case models.MessageImage, models.MessageFile:
		if in.FileURL == nil {
			return Validation("fileUrl is required for " + in.MessageType + " messages")
		}
	default:
		return Validation("unknown message type")
	}
	if len([]rune(in.Content)) > maxContentLen {
		return Validation("content too long")
	}
	return nil
}

// SendMessage 持久化消息并更新会话摘要，提交后向除发送者外的在线参与者推送。
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*MessageDTO, error) {
	if err := checkMessage(&in); err != nil {
		return nil, err
	}
	conv, err := s.findConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var sender models.User
	if err := db.Select("id", "username").First(&sender, "id = ?", in.SenderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, Internal("lookup sender", err)
	}
	ids, err := s.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	member := false
	for _, id := range ids {
		if id == sender.ID {
			member = true
			break
		}
	}
	if !member {
		return nil, ErrNotParticipant
	}

	msg := models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        in.Content,
		MessageType:    in.MessageType,
		FileURL:        in.FileURL,
	}
	summary := in.Content
	if summary == "" {
		summary = "[" + in.MessageType + "]"
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"last_message":      summary,
			"last_message_time": msg.CreatedAt,
		}).Error
	})
	if err != nil {
		return nil, Internal("save message", err)
	}
	metrics.MessagesTotal.Inc()

	dto := toMessageDTO(msg, sender.Username)
	note := Notification{Message: "You have a new message by " + sender.Username, Type: "success"}
	for _, uid := range ids {
		if uid == sender.ID {
			continue
		}
		if s.notify([]string{uid}, "", EventNewMessage, dto) > 0 {
			s.notify([]string{uid}, "", EventNotification, note)
		}
	}
	return &dto, nil
}

// GetConversationMessages 返回会话的全部消息，按写入顺序升序。
func (s *ChatService) GetConversationMessages(ctx context.Context, conversationID string) ([]MessageDTO, error) {
	if _, err := s.findConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id asc").Find(&msgs).Error; err != nil {
		return nil, Internal("list messages", err)
	}

	// 批量获取用户名
	usernames, err := s.resolveUsernames(ctx, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m, usernames[m.SenderID]))
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *ChatService) resolveUsernames(ctx context.Context, msgs []models.Message) (map[string]string, error) {
	seen := make(map[string]struct{}, len(msgs))
	userIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[string]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, Internal("resolve usernames", err)
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
