// Package ratelimit 按路由类别对客户端做固定窗口限流
package ratelimit

import (
	"strings"
	"time"

	"speedmonitor/backend/internal/config"
)

// Class 路由类别
type Class string

const (
	ClassHealth  Class = "health"
	ClassMetrics Class = "metrics"
	ClassAPI     Class = "api"
	ClassAdmin   Class = "admin"
	ClassGlobal  Class = "global"
)

// Policy 单个类别的限流策略
type Policy struct {
	Class          Class
	Window         time.Duration
	Max            int64
	SkipSuccessful bool
	SkipFailed     bool
}

// Counts 判断给定状态码的响应是否计入配额
func (p Policy) Counts(status int) bool {
	if p.SkipSuccessful && status < 400 {
		return false
	}
	if p.SkipFailed && status >= 400 {
		return false
	}
	return true
}

// RetryAfterSeconds 被拒绝时告知客户端的等待秒数
func (p Policy) RetryAfterSeconds() int64 {
	return int64(p.Window / time.Second)
}

// Policies 各类别的策略
type Policies map[Class]Policy

// PoliciesFromConfig 将配置转换为策略表
func PoliciesFromConfig(cfg config.RateLimitConfig) Policies {
	return Policies{
		ClassHealth:  fromRule(ClassHealth, cfg.Health),
		ClassMetrics: fromRule(ClassMetrics, cfg.Metrics),
		ClassAPI:     fromRule(ClassAPI, cfg.API),
		ClassAdmin:   fromRule(ClassAdmin, cfg.Admin),
		ClassGlobal:  fromRule(ClassGlobal, cfg.Global),
	}
}

// DefaultPolicies 默认策略
func DefaultPolicies() Policies {
	return Policies{
		ClassHealth:  {Class: ClassHealth, Window: time.Minute, Max: 60, SkipSuccessful: true},
		ClassMetrics: {Class: ClassMetrics, Window: 5 * time.Minute, Max: 30},
		ClassAPI:     {Class: ClassAPI, Window: 15 * time.Minute, Max: 100},
		ClassAdmin:   {Class: ClassAdmin, Window: 15 * time.Minute, Max: 10},
		ClassGlobal:  {Class: ClassGlobal, Window: 15 * time.Minute, Max: 1000},
	}
}

func fromRule(class Class, rule config.RateLimitRule) Policy {
	return Policy{
		Class:          class,
		Window:         rule.Window,
		Max:            rule.Max,
		SkipSuccessful: rule.SkipSuccessful,
		SkipFailed:     rule.SkipFailed,
	}
}

type prefixRule struct {
	prefix string
	class  Class
}

// Classifier 将请求路径映射到限流策略
//
// 匹配顺序固定：精确路径，然后前缀，最后落入 global。
type Classifier struct {
	exact    map[string]Class
	prefixes []prefixRule
	policies Policies
}

// NewClassifier 创建路径分类器，缺失的类别使用默认策略
func NewClassifier(policies Policies) *Classifier {
	merged := DefaultPolicies()
	for class, p := range policies {
		p.Class = class
		merged[class] = p
	}
	return &Classifier{
		exact: map[string]Class{
			"/health":  ClassHealth,
			"/metrics": ClassMetrics,
		},
		prefixes: []prefixRule{
			{prefix: "/api/", class: ClassAPI},
			{prefix: "/admin/", class: ClassAdmin},
		},
		policies: merged,
	}
}

// Classify 返回路径对应的策略
func (c *Classifier) Classify(path string) Policy {
	if class, ok := c.exact[path]; ok {
		return c.policies[class]
	}
	for _, rule := range c.prefixes {
		if strings.HasPrefix(path, rule.prefix) {
			return c.policies[rule.class]
		}
	}
	return c.policies[ClassGlobal]
}

// Policy 返回指定类别的策略
func (c *Classifier) Policy(class Class) Policy {
	return c.policies[class]
}
