package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatapp/internal/config"
	"chatapp/internal/db"
	"chatapp/internal/presence"

	"gorm.io/gorm"
)

type push struct {
	connID  string
	event   string
	payload any
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	dead   map[string]bool
}

func (f *fakePusher) Push(connID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[connID] {
		return false
	}
	f.pushes = append(f.pushes, push{connID: connID, event: event, payload: payload})
	return true
}

func (f *fakePusher) count(connID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pushes {
		if p.connID == connID && p.event == event {
			n++
		}
	}
	return n
}

func (f *fakePusher) find(connID, event string) (push, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pushes {
		if p.connID == connID && p.event == event {
			return p, true
		}
	}
	return push{}, false
}

type fakeMailer struct {
	mu    sync.Mutex
	links map[string]string
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, to, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links == nil {
		m.links = map[string]string{}
	}
	m.links[to] = link
	return nil
}

type env struct {
	db     *gorm.DB
	reg    *presence.Memory
	pusher *fakePusher
	mailer *fakeMailer
	users  *UserService
	chat   *ChatService
	cfg    config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{
		JWTSecret:            "test-secret",
		TokenTTLDays:         14,
		ResetTokenTTLMinutes: 60,
		ClientURL:            "http://client.test",
	}
	e := &env{
		db:     gdb,
		reg:    presence.NewMemory(time.Minute),
		pusher: &fakePusher{dead: map[string]bool{}},
		mailer: &fakeMailer{},
		cfg:    cfg,
	}
	e.users = NewUserService(gdb, cfg, e.mailer)
	e.chat = NewChatService(gdb, e.reg, e.pusher)
	return e
}

func (e *env) signup(t *testing.T, name string) UserSummary {
	t.Helper()
	res, err := e.users.Signup(context.Background(), name, name+"@example.com", "password123")
	if err != nil {
		t.Fatalf("Signup(%s) error = %v", name, err)
	}
	return res.User
}

func (e *env) conversation(t *testing.T, ids ...string) *ConversationDTO {
	t.Helper()
	conv, err := e.chat.CreateConversation(context.Background(), CreateConversationInput{ParticipantIDs: ids})
	if err != nil {
		t.Fatalf("CreateConversation(%v) error = %v", ids, err)
	}
	return conv
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("KindOf(%v) = %s, want %s", err, got, kind)
	}
}

func countRows(t *testing.T, gdb *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(model).Where(where, args...).Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}
