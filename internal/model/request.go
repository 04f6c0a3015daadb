package model

// 中继请求体以 map 形式透传，未知字段原样转发。
// 这里只提供核心需要读取的几个字段的取值助手。

// BodyModel 读取请求体中的 model 字段
func BodyModel(body map[string]any) string {
	if m, ok := body["model"].(string); ok {
		return m
	}
	return ""
}

// BodyStream 读取请求体中的 stream 字段
func BodyStream(body map[string]any) bool {
	if s, ok := body["stream"].(bool); ok {
		return s
	}
	return false
}

// BodyMessages 读取请求体中的 messages 数组
func BodyMessages(body map[string]any) []any {
	if msgs, ok := body["messages"].([]any); ok {
		return msgs
	}
	return nil
}

// LastMessageCountsForUsage 判断最后一条消息是否计入用量：
// role 必须是 user，且内容不是 tool_result。
// 字符串内容计数；内容块数组在不含 tool_result 块时计数；
// 单对象内容在 type != tool_result 时计数。
func LastMessageCountsForUsage(body map[string]any) bool {
	msgs := BodyMessages(body)
	if len(msgs) == 0 {
		return false
	}
	last, ok := msgs[len(msgs)-1].(map[string]any)
	if !ok {
		return false
	}
	if role, _ := last["role"].(string); role != "user" {
		return false
	}

	switch content := last["content"].(type) {
	case string:
		return true
	case []any:
		for _, block := range content {
			if b, ok := block.(map[string]any); ok {
				if t, _ := b["type"].(string); t == "tool_result" {
					return false
				}
			}
		}
		return true
	case map[string]any:
		t, _ := content["type"].(string)
		return t != "tool_result"
	default:
		return false
	}
}
