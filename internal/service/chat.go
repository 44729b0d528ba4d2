package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"chatapp/internal/metrics"
	"chatapp/internal/models"
	"chatapp/internal/presence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatService 封装会话、参与者与消息相关的业务逻辑，并负责向在线参与者推送事件。
type ChatService struct {
	db       *gorm.DB
	presence presence.Registry
	pusher   Pusher
}

func NewChatService(db *gorm.DB, reg presence.Registry, pusher Pusher) *ChatService {
	return &ChatService{db: db, presence: reg, pusher: pusher}
}

type CreateConversationInput struct {
	ParticipantIDs []string
	Name           string
	CreatorID      string
}

// normalizeIDs 去空白、去重并排序。
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func containsSorted(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// participantKey 是参与者集合的摘要，ids 必须已经 normalize。
func participantKey(ids []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// notify 把事件推送给在线的 userIDs，跳过 exceptUserID，返回成功投递的数量。
func (s *ChatService) notify(userIDs []string, exceptUserID, event string, payload any) int {
	delivered := 0
	for _, uid := range userIDs {
		if uid == exceptUserID {
			continue
		}
		connID, ok := s.presence.Lookup(uid)
		if !ok {
			continue
		}
		ok = s.pusher.Push(connID, event, payload)
		metrics.ObservePush(event, ok)
		if ok {
			delivered++
		}
	}
	return delivered
}

// CreateConversation 创建会话。参与者集合与已有会话完全相同时返回冲突。
func (s *ChatService) CreateConversation(ctx context.Context, in CreateConversationInput) (*ConversationDTO, error) {
	ids := normalizeIDs(in.ParticipantIDs)
	if len(ids) < 2 {
		return nil, ErrTooFewParticipants
	}
	if in.CreatorID != "" && !containsSorted(ids, in.CreatorID) {
		return nil, &Error{Kind: KindForbidden, Msg: "creator must be a participant"}
	}
	db := s.db.WithContext(ctx)

	var found int64
	if err := db.Model(&models.User{}).Where("id IN ?", ids).Count(&found).Error; err != nil {
		return nil, Internal("lookup participants", err)
	}
	if int(found) != len(ids) {
		return nil, ErrUserNotFound
	}

	key := participantKey(ids)
	var existing int64
	if err := db.Model(&models.Conversation{}).Where("participant_key = ?", key).Count(&existing).Error; err != nil {
		return nil, Internal("lookup conversation", err)
	}
	if existing > 0 {
		return nil, ErrConversationExists
	}

	conv := models.Conversation{Type: models.ConversationPrivate, ParticipantKey: key}
	if len(ids) > 2 {
		conv.Type = models.ConversationGroup
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		conv.Name = &name
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := make([]models.ConversationParticipant, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, models.ConversationParticipant{
				ConversationID: conv.ID,
				UserID:         id,
				IsAdmin:        id == in.CreatorID,
			})
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConversationExists
		}
		return nil, Internal("create conversation", err)
	}

	dto, err := s.hydrateOne(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.notify(ids, "", EventNewConversation, dto)
	return dto, nil
}

func (s *ChatService) findConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, Internal("lookup conversation", err)
	}
	return &conv, nil
}

// GetConversation 返回单个会话及其参与者。
func (s *ChatService) GetConversation(ctx context.Context, id string) (*ConversationDTO, error) {
	conv, err := s.findConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.hydrateOne(ctx, *conv)
}

// ParticipantIDs 返回会话的参与者 ID，按加入顺序排列。
func (s *ChatService) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at, user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, Internal("list participants", err)
	}
	return ids, nil
}

func (s *ChatService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	if err != nil {
		return false, Internal("lookup participant", err)
	}
	return n > 0, nil
}

// RequireParticipant 在会话不存在时返回 NotFound，userID 不是参与者时返回 Forbidden。
func (s *ChatService) RequireParticipant(ctx context.Context, conversationID, userID string) error {
	if _, err := s.findConversation(ctx, conversationID); err != nil {
		return err
	}
	ok, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// AddParticipant 把用户加入会话。已经是参与者时直接返回当前会话。
// 参与者集合在锁住会话行之后读取，并发加人不会丢失彼此的成员。
func (s *ChatService) AddParticipant(ctx context.Context, conversationID, userID string) (*ConversationDTO, error) {
	if _, err := s.findConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var users int64
	if err := db.Model(&models.User{}).Where("id = ?", userID).Count(&users).Error; err != nil {
		return nil, Internal("lookup user", err)
	}
	if users == 0 {
		return nil, ErrUserNotFound
	}

	var conv models.Conversation
	added := false
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, "id = ?", conversationID).Error; err != nil {
			return err
		}
		var ids []string
		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ?", conversationID).
			Pluck("user_id", &ids).Error; err != nil {
			return err
		}
		if containsSorted(normalizeIDs(ids), userID) {
			return nil
		}

		all := normalizeIDs(append(ids, userID))
		conv.ParticipantKey = participantKey(all)
		if len(all) > 2 {
			conv.Type = models.ConversationGroup
		}
		p := models.ConversationParticipant{ConversationID: conv.ID, UserID: userID}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		added = true
		return tx.Model(&conv).Updates(map[string]any{
			"participant_key": conv.ParticipantKey,
			"type":            conv.Type,
		}).Error
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, ErrConversationNotFound
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return nil, ErrConversationExists
		}
		return nil, Internal("add participant", err)
	}

	dto, err := s.hydrateOne(ctx, conv)
	if err != nil {
		return nil, err
	}
	if added {
		s.notify([]string{userID}, "", EventNewConversation, dto)
	}
	return dto, nil
}

// DeleteConversation 在一个事务内删除会话及其消息和参与者记录。
func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.findConversation(ctx, id); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&models.ConversationParticipant{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Conversation{}).Error
	})
	if err != nil {
		return Internal("delete conversation", err)
	}
	return nil
}

// GetUserConversations 返回用户参与的会话，按最后消息时间倒序，附带其他参与者和最新一条消息。
func (s *ChatService) GetUserConversations(ctx context.Context, userID string) ([]ConversationDTO, error) {
	db := s.db.WithContext(ctx)
	var users int64
	if err := db.Model(&models.User{}).Where("id = ?", userID).Count(&users).Error; err != nil {
		return nil, Internal("lookup user", err)
	}
	if users == 0 {
		return nil, ErrUserNotFound
	}

	member := db.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", userID)
	var convs []models.Conversation
	if err := db.Where("id IN (?)", member).Order("last_message_time desc, id").Find(&convs).Error; err != nil {
		return nil, Internal("list conversations", err)
	}
	if len(convs) == 0 {
		return []ConversationDTO{}, nil
	}

	convIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
	}
	parts, err := s.participants(ctx, convIDs)
	if err != nil {
		return nil, err
	}
	latest, err := s.latestMessages(ctx, convIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		dto := toConversationDTO(c, parts[c.ID])
		dto.Receivers = make([]Participant, 0, len(dto.Participants))
		for _, p := range dto.Participants {
			if p.ID != userID {
				dto.Receivers = append(dto.Receivers, p)
			}
		}
		if m, ok := latest[c.ID]; ok {
			dto.LatestMessage = &m
		}
		out = append(out, dto)
	}
	return out, nil
}

func (s *ChatService) hydrateOne(ctx context.Context, conv models.Conversation) (*ConversationDTO, error) {
	parts, err := s.participants(ctx, []string{conv.ID})
	if err != nil {
		return nil, err
	}
	dto := toConversationDTO(conv, parts[conv.ID])
	return &dto, nil
}

// participants 批量加载会话参与者的公开资料。
func (s *ChatService) participants(ctx context.Context, convIDs []string) (map[string][]Participant, error) {
	type row struct {
		ConversationID string
		ID             string
		Username       string
		Avatar         string
	}
	var rows []row
	err := s.db.WithContext(ctx).Table("conversation_participants AS cp").
		Select("cp.conversation_id, u.id, u.username, u.avatar").
		Joins("JOIN users AS u ON u.id = cp.user_id").
		Where("cp.conversation_id IN ?", convIDs).
		Order("cp.created_at, u.username").
		Scan(&rows).Error
	if err != nil {
		return nil, Internal("load participants", err)
	}
	out := make(map[string][]Participant, len(convIDs))
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], Participant{ID: r.ID, Username: r.Username, Avatar: r.Avatar})
	}
	return out, nil
}

// latestMessages 取每个会话 id 最大的一条消息。
func (s *ChatService) latestMessages(ctx context.Context, convIDs []string) (map[string]MessageDTO, error) {
	db := s.db.WithContext(ctx)
	maxIDs := db.Model(&models.Message{}).Select("MAX(id)").Where("conversation_id IN ?", convIDs).Group("conversation_id")
	var msgs []models.Message
	if err := db.Where("id IN (?)", maxIDs).Find(&msgs).Error; err != nil {
		return nil, Internal("load latest messages", err)
	}
	usernames, err := s.resolveUsernames(ctx, msgs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]MessageDTO, len(msgs))
	for _, m := range msgs {
		out[m.ConversationID] = toMessageDTO(m, usernames[m.SenderID])
	}
	return out, nil
}
