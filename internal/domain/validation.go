package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 72 bytes)")
	ErrInvalidUsername  = errors.New("username must be 3-32 characters, start with a letter and contain only letters, digits, '.', '_' or '-'")
	ErrInvalidRole      = errors.New("invalid role")
)

const (
	MaxEmailLength = 254

	MinPasswordLength = 8
	// MaxPasswordLength bcrypt 只使用前 72 字节
	MaxPasswordLength = 72
)

// 用户名以字母开头，3-32 个字符
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{1,30}[a-zA-Z0-9]$`)

// ValidateEmail 校验邮箱地址，只接受不带显示名的裸地址
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > MaxEmailLength {
		return ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return ErrInvalidEmail
	}

	at := strings.LastIndexByte(email, '@')
	if at <= 0 || strings.Contains(email, "..") || !strings.Contains(email[at+1:], ".") {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePassword 校验密码长度
func ValidatePassword(password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return ErrPasswordTooShort
	case len(password) > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateUsername 校验用户名
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Validate 校验用户基本字段
func (u *User) Validate() error {
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	if err := ValidateEmail(u.Email); err != nil {
		return err
	}
	if !u.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}
