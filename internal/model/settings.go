package model

import "time"

// MaxSystemPromptLen 系统提示词硬上限，超出部分截断
const MaxSystemPromptLen = 10000

// ModelConfig 可选模型配置
type ModelConfig struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// Settings 全局设置（单例）
type Settings struct {
	APIURL       string `json:"api_url"`
	APIKey       string `json:"api_key"`
	ModelDisplay string `json:"model_display"`
	ModelActual  string `json:"model_actual"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// 默认源并发上限，0 表示使用内置默认值
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`

	SystemPromptFormat PromptFormat `json:"system_prompt_format,omitempty"`

	// 模型配置 id -> 配置
	Models map[string]ModelConfig `json:"models,omitempty"`

	// 品牌替换对，与 model_actual/model_display 替换相互独立
	RewriteFrom string `json:"rewrite_from,omitempty"`
	RewriteTo   string `json:"rewrite_to,omitempty"`
}

// Announcement 公告（核心只读）
type Announcement struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Type      string `json:"type"` // info | warning | error | success
	Priority  int    `json:"priority"`
	IsActive  bool   `json:"is_active"`
	StartTime string `json:"start_time,omitempty"` // RFC3339
	EndTime   string `json:"end_time,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// IsVisible 检查公告当前是否应该展示
func (a *Announcement) IsVisible(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, a.StartTime); err == nil && now.Before(t) {
			return false
		}
	}
	if a.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, a.EndTime); err == nil && now.After(t) {
			return false
		}
	}
	return true
}
