package domain

import "time"

// UserRole 用户角色
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleViewer UserRole = "viewer"
)

// Valid 判断角色是否为已知角色
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	}
	return false
}

// User 表示可登录系统的用户
//
// 用户不会被物理删除，停用通过 IsActive 标记完成。
type User struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username     string     `json:"username" gorm:"uniqueIndex;type:varchar(255);not null"`
	Email        string     `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	PasswordHash string     `json:"-" gorm:"type:varchar(255);not null"`
	Role         UserRole   `json:"role" gorm:"type:varchar(50);default:'viewer';index"`
	IsActive     bool       `json:"isActive" gorm:"not null"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// IsAdmin 判断用户是否为管理员
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
