package core

import (
	"strings"

	"github.com/xiaopang/relaygate/internal/model"
)

// 解析不到任何模型配置时的兜底实际模型名
const fallbackModelActual = "claude-3-5-sonnet-20241022"

// BuildUpstreamURL 拼接上游 URL。apiBase 末尾的 / 去掉；
// base 以 /v1 结尾且客户端路径以 /v1 开头时去掉路径前缀，
// 避免出现 /v1/v1。查询串原样保留。
func BuildUpstreamURL(apiBase, pathAndQuery string) string {
	base := strings.TrimRight(apiBase, "/")

	path := pathAndQuery
	query := ""
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		path = pathAndQuery[:i]
		query = pathAndQuery[i:]
	}

	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}

	return base + path + query
}

// ValidateAndSwapModel 校验请求的 model 字段并替换为实际模型。
// 客户端必须发送展示模型名，否则视为无效模型。
// 同时剥除 metadata 字段，不向上游转发。
func ValidateAndSwapModel(body map[string]any, settings *model.Settings, src *model.ActiveSource) error {
	if model.BodyModel(body) != settings.ModelDisplay {
		return ErrModelMismatch
	}

	actual := src.ModelActual
	if actual == "" {
		actual = settings.ModelActual
	}
	if actual == "" {
		actual = fallbackModelActual
	}
	body["model"] = actual

	delete(body, "metadata")
	return nil
}

// ResolvePrompt 解析要注入的系统提示词：调用方选中的模型配置优先，
// 否则使用全局设置。空白返回空串；超长截断到 10000 字符。
func ResolvePrompt(rec *model.KeyRecord, settings *model.Settings, configs map[string]model.ModelConfig) string {
	prompt := settings.SystemPrompt
	if rec.SelectedModel != "" {
		if cfg, ok := configs[rec.SelectedModel]; ok && strings.TrimSpace(cfg.SystemPrompt) != "" {
			prompt = cfg.SystemPrompt
		}
	}
	prompt = strings.TrimSpace(prompt)
	if runes := []rune(prompt); len(runes) > model.MaxSystemPromptLen {
		prompt = string(runes[:model.MaxSystemPromptLen])
	}
	return prompt
}

// ResolvePromptFormat 解析注入格式：Profile 的配置覆盖全局设置，
// 都未配置时按 auto 处理
func ResolvePromptFormat(src *model.ActiveSource, settings *model.Settings) model.PromptFormat {
	format := src.SystemPromptFormat
	if format == "" {
		format = settings.SystemPromptFormat
	}
	if format == "" {
		format = model.PromptFormatAuto
	}
	return format
}

// InjectSystemPrompt 按格式把系统提示词注入请求体
func InjectSystemPrompt(body map[string]any, prompt string, format model.PromptFormat, path string) {
	if prompt == "" || format == model.PromptFormatDisabled {
		return
	}

	if format == model.PromptFormatAuto {
		if _, hasSystem := body["system"]; hasSystem || strings.Contains(path, "/messages") {
			format = model.PromptFormatAnthropic
		} else {
			format = model.PromptFormatOpenAI
		}
	}

	switch format {
	case model.PromptFormatAnthropic:
		body["system"] = prompt
	case model.PromptFormatOpenAI:
		injectOpenAISystem(body, prompt)
	case model.PromptFormatBoth:
		body["system"] = prompt
		injectOpenAISystem(body, prompt)
	case model.PromptFormatUserMessage:
		delete(body, "system")
		msgs := dropSystemMessages(model.BodyMessages(body))
		wrapped := wrapInstructions(prompt)
		body["messages"] = append([]any{map[string]any{"role": "user", "content": wrapped}}, msgs...)
	case model.PromptFormatInjectFirst:
		delete(body, "system")
		msgs := dropSystemMessages(model.BodyMessages(body))
		injectIntoFirstUser(msgs, wrapInstructions(prompt))
		body["messages"] = msgs
	}
}

// injectOpenAISystem 已有 system 消息则替换内容，否则前插一条
func injectOpenAISystem(body map[string]any, prompt string) {
	msgs := model.BodyMessages(body)
	for _, m := range msgs {
		if msg, ok := m.(map[string]any); ok {
			if role, _ := msg["role"].(string); role == "system" {
				msg["content"] = prompt
				return
			}
		}
	}
	body["messages"] = append([]any{map[string]any{"role": "system", "content": prompt}}, msgs...)
}

func dropSystemMessages(msgs []any) []any {
	kept := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if msg, ok := m.(map[string]any); ok {
			if role, _ := msg["role"].(string); role == "system" {
				continue
			}
		}
		kept = append(kept, m)
	}
	return kept
}

// injectIntoFirstUser 把指令文本并入第一条 user 消息：
// 内容是数组时追加一个文本块在最前，否则字符串前拼
func injectIntoFirstUser(msgs []any, wrapped string) {
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		switch content := msg["content"].(type) {
		case []any:
			block := map[string]any{"type": "text", "text": wrapped}
			msg["content"] = append([]any{block}, content...)
		case string:
			msg["content"] = wrapped + "\n\n" + content
		default:
			msg["content"] = wrapped
		}
		return
	}
}

func wrapInstructions(prompt string) string {
	return "[System Instructions]\n" + prompt + "\n[End System Instructions]"
}
