package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"

	"chatapp/internal/auth"
	"chatapp/internal/models"
)

func TestSignup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.users.Signup(ctx, "  alice ", "Alice@Example.com", "password123")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if res.User.Username != "alice" || res.User.Email != "alice@example.com" {
		t.Errorf("Signup() user = %+v", res.User)
	}
	if !strings.HasPrefix(res.User.Avatar, "https://ui-avatars.com/api/?name=alice") {
		t.Errorf("Signup() avatar = %q", res.User.Avatar)
	}
	claims, err := auth.ParseAccessToken(res.Token, e.cfg.JWTSecret)
	if err != nil || claims.UserID != res.User.ID {
		t.Fatalf("token does not identify the new user: %v", err)
	}

	var stored models.User
	if err := e.db.First(&stored, "id = ?", res.User.ID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if !stored.IsOnline {
		t.Error("new user should be marked online")
	}
	if stored.PasswordHash == "password123" || !auth.VerifyPassword(stored.PasswordHash, "password123") {
		t.Error("password should be stored hashed")
	}
}

func TestSignup_Errors(t *testing.T) {
	e := newEnv(t)
	e.signup(t, "alice")
	before := countRows(t, e.db, &models.User{}, "1 = 1")

	tests := []struct {
		name     string
		username string
		email    string
		password string
		want     error
		kind     Kind
	}{
		{"duplicate username", "alice", "other@example.com", "password123", ErrUsernameTaken, KindConflict},
		{"duplicate email", "bob", "ALICE@example.com", "password123", ErrEmailTaken, KindConflict},
		{"short username", "a", "a@example.com", "password123", nil, KindValidation},
		{"bad email", "carol", "not-an-email", "password123", nil, KindValidation},
		{"short password", "dave", "dave@example.com", "123", nil, KindValidation},
		{"long password", "erin", "erin@example.com", strings.Repeat("p", auth.MaxPasswordBytes+1), nil, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.users.Signup(context.Background(), tt.username, tt.email, tt.password)
			wantKind(t, err, tt.kind)
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Signup() error = %v, want %v", err, tt.want)
			}
			if n := countRows(t, e.db, &models.User{}, "1 = 1"); n != before {
				t.Errorf("users = %d after rejected signup, want %d", n, before)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.signup(t, "alice")
	if err := e.users.SetPresence(ctx, alice.ID, false); err != nil {
		t.Fatalf("SetPresence() error = %v", err)
	}

	res, err := e.users.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.User.ID != alice.ID || res.Token == "" {
		t.Errorf("Login() = %+v", res)
	}
	profile, _ := e.users.GetUser(ctx, alice.ID)
	if !profile.IsOnline {
		t.Error("Login() should mark the user online")
	}

	for _, tc := range []struct{ username, password string }{
		{"alice", "wrong-password"},
		{"nobody", "password123"},
	} {
		_, err := e.users.Login(ctx, tc.username, tc.password)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%s) error = %v, want ErrInvalidCredentials", tc.username, err)
		}
	}
}

func TestGetUser_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.users.GetUser(context.Background(), "missing")
	wantKind(t, err, KindNotFound)
}

func TestUpdateUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.signup(t, "alice")
	bob := e.signup(t, "bob")

	name := "alice2"
	avatar := "https://cdn.example.com/a.png"
	got, err := e.users.UpdateUser(ctx, alice.ID, alice.ID, UpdateUserInput{Username: &name, Avatar: &avatar})
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if got.Username != "alice2" || got.Avatar != avatar {
		t.Errorf("UpdateUser() = %+v", got)
	}

	_, err = e.users.UpdateUser(ctx, bob.ID, alice.ID, UpdateUserInput{Username: &name})
	wantKind(t, err, KindForbidden)

	taken := "bob"
	_, err = e.users.UpdateUser(ctx, alice.ID, alice.ID, UpdateUserInput{Username: &taken})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("UpdateUser() to taken name error = %v, want ErrUsernameTaken", err)
	}

	pw := "new-password"
	if _, err := e.users.UpdateUser(ctx, alice.ID, alice.ID, UpdateUserInput{Password: &pw}); err != nil {
		t.Fatalf("UpdateUser() password error = %v", err)
	}
	if _, err := e.users.Login(ctx, "alice2", pw); err != nil {
		t.Errorf("Login() with new password error = %v", err)
	}
}

func TestListUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.signup(t, "alice")
	e.signup(t, "bob")
	e.signup(t, "Bobby")
	e.signup(t, "carol")

	all, err := e.users.ListUsers(ctx, alice.ID, "", 0)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListUsers() returned %d users, want 3", len(all))
	}
	for _, u := range all {
		if u.ID == alice.ID {
			t.Error("ListUsers() should exclude the requester")
		}
	}

	found, err := e.users.ListUsers(ctx, alice.ID, "BOB", 0)
	if err != nil {
		t.Fatalf("ListUsers(search) error = %v", err)
	}
	if len(found) != 2 {
		t.Errorf("ListUsers(BOB) returned %d users, want 2", len(found))
	}

	byEmail, _ := e.users.ListUsers(ctx, alice.ID, "carol@", 0)
	if len(byEmail) != 1 || byEmail[0].Username != "carol" {
		t.Errorf("ListUsers(carol@) = %+v", byEmail)
	}

	limited, _ := e.users.ListUsers(ctx, alice.ID, "", 1)
	if len(limited) != 1 {
		t.Errorf("ListUsers(limit 1) returned %d users", len(limited))
	}
}

func TestListUsers_LiteralSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.signup(t, "john_doe")
	e.signup(t, "johnxdoe")
	e.signup(t, "alice")
	// 这个用户名拼出的邮箱通不过校验，直接写库
	odd := models.User{Username: "ratio!50%", Email: "ratio@example.com", PasswordHash: "x"}
	if err := e.db.Create(&odd).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	tests := []struct {
		search string
		want   []string
	}{
		{"n_d", []string{"john_doe"}},
		{"%", []string{"ratio!50%"}},
		{"!5", []string{"ratio!50%"}},
		{"JOHN", []string{"john_doe", "johnxdoe"}},
	}
	for _, tt := range tests {
		t.Run(tt.search, func(t *testing.T) {
			users, err := e.users.ListUsers(ctx, "", tt.search, 0)
			if err != nil {
				t.Fatalf("ListUsers(%q) error = %v", tt.search, err)
			}
			var got []string
			for _, u := range users {
				got = append(got, u.Username)
			}
			sort.Strings(got)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ListUsers(%q) = %v, want %v", tt.search, got, tt.want)
			}
		})
	}
}

func TestListUsers_LimitClamp(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < maxUserListLimit+5; i++ {
		u := models.User{
			Username:     fmt.Sprintf("user%03d", i),
			Email:        fmt.Sprintf("user%03d@example.com", i),
			PasswordHash: "x",
		}
		if err := e.db.Create(&u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	users, err := e.users.ListUsers(context.Background(), "", "", maxUserListLimit+100)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != maxUserListLimit {
		t.Errorf("ListUsers(limit > max) returned %d users, want %d", len(users), maxUserListLimit)
	}
}

func resetToken(t *testing.T, link string) string {
	t.Helper()
	i := strings.LastIndex(link, "/reset-password/")
	if i < 0 {
		t.Fatalf("unexpected reset link %q", link)
	}
	tok, err := url.PathUnescape(link[i+len("/reset-password/"):])
	if err != nil {
		t.Fatalf("unescape token: %v", err)
	}
	return tok
}

func TestPasswordReset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.signup(t, "alice")

	if err := e.users.ForgotPassword(ctx, "ALICE@example.com"); err != nil {
		t.Fatalf("ForgotPassword() error = %v", err)
	}
	link := e.mailer.links["alice@example.com"]
	if !strings.HasPrefix(link, "http://client.test/reset-password/") {
		t.Fatalf("reset link = %q", link)
	}
	token := resetToken(t, link)

	err := e.users.ResetPassword(ctx, token, "x")
	wantKind(t, err, KindValidation)

	if err := e.users.ResetPassword(ctx, token, "brand-new-pass"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if _, err := e.users.Login(ctx, "alice", "brand-new-pass"); err != nil {
		t.Errorf("Login() after reset error = %v", err)
	}

	err = e.users.ResetPassword(ctx, token, "another-pass")
	if !errors.Is(err, ErrInvalidResetToken) {
		t.Errorf("reusing reset token error = %v, want ErrInvalidResetToken", err)
	}
	err = e.users.ResetPassword(ctx, "garbage", "another-pass")
	if !errors.Is(err, ErrInvalidResetToken) {
		t.Errorf("garbage token error = %v, want ErrInvalidResetToken", err)
	}
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	e := newEnv(t)
	if err := e.users.ForgotPassword(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("ForgotPassword() error = %v", err)
	}
	if len(e.mailer.links) != 0 {
		t.Error("no email should be sent for unknown addresses")
	}
	err := e.users.ForgotPassword(context.Background(), "nope")
	wantKind(t, err, KindValidation)
}
