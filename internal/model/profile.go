package model

// PromptFormat 系统提示词注入格式
type PromptFormat string

const (
	PromptFormatAuto        PromptFormat = "auto"
	PromptFormatAnthropic   PromptFormat = "anthropic"
	PromptFormatOpenAI      PromptFormat = "openai"
	PromptFormatBoth        PromptFormat = "both"
	PromptFormatUserMessage PromptFormat = "user_message"
	PromptFormatInjectFirst PromptFormat = "inject_first_user"
	PromptFormatDisabled    PromptFormat = "disabled"
)

// Profile 后端 API 配置
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	APIKey       string   `json:"api_key"`
	APIURL       string   `json:"api_url"`
	ModelActual  string   `json:"model_actual,omitempty"`
	ModelDisplay string   `json:"model_display,omitempty"`
	IsActive     bool     `json:"is_active"`
	Capabilities []string `json:"capabilities,omitempty"`

	DisableSystemPromptInjection bool         `json:"disable_system_prompt_injection,omitempty"`
	SystemPromptFormat           PromptFormat `json:"system_prompt_format,omitempty"`
}

// BackupProfile 备用后端，存储顺序即故障转移优先级
type BackupProfile struct {
	Profile
	ConcurrencyLimit int `json:"concurrency_limit"`
}

// SourceKind 源类型
type SourceKind string

const (
	SourceKindDefault SourceKind = "default"
	SourceKindProfile SourceKind = "profile"
	SourceKindBackup  SourceKind = "backup"
)

// ActiveSource 选中的上游源
type ActiveSource struct {
	ID                           string       `json:"id"`
	Kind                         SourceKind   `json:"kind"`
	APIURL                       string       `json:"api_url"`
	APIKey                       string       `json:"api_key"`
	ModelActual                  string       `json:"model_actual,omitempty"`
	SystemPromptFormat           PromptFormat `json:"system_prompt_format,omitempty"`
	DisableSystemPromptInjection bool         `json:"disable_system_prompt_injection,omitempty"`

	// ConcurrencyOwnerID 是请求结束时需要释放槽位的源 ID；
	// 空字符串表示未占用槽位（用户固定的 Profile，或排队到默认源）
	ConcurrencyOwnerID string `json:"concurrency_owner_id,omitempty"`
}

// ToResponse 隐藏 API Key 的脱敏视图
func (p *Profile) ToResponse() Profile {
	resp := *p
	resp.APIKey = maskKey(p.APIKey)
	return resp
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
