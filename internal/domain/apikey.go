package domain

import "time"

// Permissions API Key 的细粒度权限表，键为权限名
type Permissions map[string]bool

// Enabled 判断指定权限是否开启
func (p Permissions) Enabled(name string) bool {
	if p == nil {
		return false
	}
	return p[name]
}

// APIKey API密钥实体
//
// 只保存密钥的 bcrypt 哈希，明文仅在签发时返回一次。
type APIKey struct {
	ID          string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string      `json:"userId" gorm:"type:varchar(36);index;not null"`
	User        *User       `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
	KeyHash     string      `json:"-" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name        string      `json:"name" gorm:"type:varchar(255)"`
	Permissions Permissions `json:"permissions" gorm:"serializer:json;type:text"`
	IsActive    bool        `json:"isActive" gorm:"not null;index"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time  `json:"lastUsedAt,omitempty"`
}

// Expired 判断密钥在给定时刻是否已过期
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable 判断密钥在给定时刻是否可用于认证
func (k *APIKey) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}

// APIKeyWithOwner 认证时使用的候选密钥及其所属用户
type APIKeyWithOwner struct {
	Key   APIKey
	Owner User
}
