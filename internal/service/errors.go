package service

import "errors"

// Kind 是业务错误的分类，handler 只在边界处把它映射成 HTTP 状态码。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error { return &Error{Kind: KindValidation, Msg: msg} }

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Msg: msg} }

func Conflict(msg string) error { return &Error{Kind: KindConflict, Msg: msg} }

// Internal 包装存储或传输层错误，原因只进日志，不返回给客户端。
func Internal(msg string, err error) error { return &Error{Kind: KindInternal, Msg: msg, Err: err} }

// KindOf 返回 err 链上第一个 *Error 的分类；未分类的错误一律视为内部错误。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage 返回可以暴露给客户端的文案。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal error"
}

// 业务层通用错误。
var (
	ErrUsernameTaken        = &Error{Kind: KindConflict, Msg: "username taken"}
	ErrEmailTaken           = &Error{Kind: KindConflict, Msg: "email taken"}
	ErrInvalidCredentials   = &Error{Kind: KindAuth, Msg: "invalid credentials"}
	ErrInvalidResetToken    = &Error{Kind: KindAuth, Msg: "invalid or expired reset token"}
	ErrUserNotFound         = &Error{Kind: KindNotFound, Msg: "user not found"}
	ErrSenderNotFound       = &Error{Kind: KindNotFound, Msg: "sender not found"}
	ErrConversationNotFound = &Error{Kind: KindNotFound, Msg: "conversation not found"}
	ErrConversationExists   = &Error{Kind: KindConflict, Msg: "conversation already exists"}
	ErrTooFewParticipants   = &Error{Kind: KindValidation, Msg: "a conversation must include at least 2 participants"}
	ErrNotParticipant       = &Error{Kind: KindForbidden, Msg: "not a participant of this conversation"}
	ErrForbidden            = &Error{Kind: KindForbidden, Msg: "forbidden"}
)
