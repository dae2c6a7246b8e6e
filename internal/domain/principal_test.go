package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal_HasPermission(t *testing.T) {
	t.Run("管理员绕过权限表", func(t *testing.T) {
		p := &Principal{Role: RoleAdmin}
		assert.True(t, p.HasPermission("stream"))
		assert.True(t, p.HasPermission("anything"))
	})

	t.Run("普通用户按权限表判断", func(t *testing.T) {
		p := &Principal{Role: RoleViewer, Permissions: Permissions{"stream": true, "export": false}}
		assert.True(t, p.HasPermission("stream"))
		assert.False(t, p.HasPermission("export"))
		assert.False(t, p.HasPermission("missing"))
	})

	t.Run("空权限表", func(t *testing.T) {
		p := &Principal{Role: RoleViewer}
		assert.False(t, p.HasPermission("stream"))
	})

	t.Run("nil调用方", func(t *testing.T) {
		var p *Principal
		assert.False(t, p.HasPermission("stream"))
		assert.False(t, p.HasRole(RoleAdmin))
	})
}

func TestPrincipal_HasRole(t *testing.T) {
	p := &Principal{Role: RoleViewer}
	assert.True(t, p.HasRole(RoleAdmin, RoleViewer))
	assert.False(t, p.HasRole(RoleAdmin))
}

func TestAPIKey_Usable(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&APIKey{IsActive: true}).Usable(now))
	assert.True(t, (&APIKey{IsActive: true, ExpiresAt: &future}).Usable(now))
	assert.False(t, (&APIKey{IsActive: true, ExpiresAt: &past}).Usable(now))
	assert.False(t, (&APIKey{IsActive: true, ExpiresAt: &now}).Usable(now))
	assert.False(t, (&APIKey{IsActive: false}).Usable(now))
}

func TestBandwidthToMbps(t *testing.T) {
	m := &Measurement{DownloadBandwidth: 12500000, UploadBandwidth: 1250000}
	assert.InDelta(t, 100.0, m.DownloadMbps(), 1e-9)
	assert.InDelta(t, 10.0, m.UploadMbps(), 1e-9)
}
