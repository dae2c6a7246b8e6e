package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		valid bool
	}{
		{"普通地址", "admin@nubem.dev", true},
		{"子域名", "user@mail.example.com", true},
		{"带点的本地部分", "user.name@example.com", true},
		{"缺少@", "testexample.com", false},
		{"缺少域名", "test@", false},
		{"空字符串", "", false},
		{"连续的点", "user..name@example.com", false},
		{"带显示名", "Admin <admin@nubem.dev>", false},
		{"域名没有点", "root@localhost", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidEmail)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		expected bool
	}{
		{"普通用户名", "testuser", true},
		{"带数字", "user123", true},
		{"带下划线", "test_user", true},
		{"最短长度", "abc", true},
		{"最长长度", "abcdefghijklmnopqrstuvwxyz123456", true},
		{"过短", "ab", false},
		{"过长", "abcdefghijklmnopqrstuvwxyz1234567", false},
		{"空字符串", "", false},
		{"包含空格", "test user", false},
		{"数字开头", "123user", false},
		{"以符号结尾", "user_", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateUsername(tt.username) == nil)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("changeme123!"))
	assert.ErrorIs(t, ValidatePassword("short"), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePassword(strings.Repeat("x", MaxPasswordLength+1)), ErrPasswordTooLong)
}

func TestUser_Validate(t *testing.T) {
	tests := []struct {
		name    string
		user    *User
		wantErr error
	}{
		{"管理员", &User{Username: "admin", Email: "admin@nubem.dev", Role: RoleAdmin}, nil},
		{"普通用户", &User{Username: "viewer", Email: "viewer@example.com", Role: RoleViewer}, nil},
		{"用户名非法", &User{Username: "ab", Email: "test@example.com", Role: RoleViewer}, ErrInvalidUsername},
		{"邮箱非法", &User{Username: "testuser", Email: "invalid-email", Role: RoleViewer}, ErrInvalidEmail},
		{"角色非法", &User{Username: "testuser", Email: "test@example.com", Role: "root"}, ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.user.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
