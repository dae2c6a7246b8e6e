package domain

// AuthMethod 认证方式
type AuthMethod string

const (
	AuthMethodToken  AuthMethod = "token"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Principal 一次请求中已认证的调用方
//
// 认证成功后构造一次，之后只读。令牌认证时 Permissions 为空，
// API Key 认证时带上密钥的权限表与 KeyID。
type Principal struct {
	UserID      string
	Username    string
	Email       string
	Role        UserRole
	Permissions Permissions
	Method      AuthMethod
	KeyID       string
}

// IsAdmin 判断调用方是否为管理员
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// HasRole 判断调用方是否拥有任一指定角色
func (p *Principal) HasRole(roles ...UserRole) bool {
	if p == nil {
		return false
	}
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	return false
}

// HasPermission 判断调用方是否拥有指定权限，管理员总是拥有全部权限
func (p *Principal) HasPermission(name string) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return p.Permissions.Enabled(name)
}
