package core

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Rewriter 把上游响应里的实际模型名换回展示名，并应用独立配置的
// 品牌替换对。两组替换互不依赖。
type Rewriter struct {
	modelRe *regexp.Regexp
	modelTo string
	brandRe *regexp.Regexp
	brandTo string
}

// NewRewriter 创建替换器。from 为空或与 to 相同的替换对不生效。
func NewRewriter(modelFrom, modelTo, brandFrom, brandTo string) *Rewriter {
	r := &Rewriter{modelTo: modelTo, brandTo: brandTo}
	if modelFrom != "" && modelFrom != modelTo {
		r.modelRe = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(modelFrom))
	}
	if brandFrom != "" && brandFrom != brandTo {
		r.brandRe = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(brandFrom))
	}
	return r
}

// RewriteString 对单个字符串做模型名替换
func (r *Rewriter) RewriteString(s string) string {
	if r.modelRe == nil {
		return s
	}
	return r.modelRe.ReplaceAllLiteralString(s, r.modelTo)
}

// RewriteBrand 对单个字符串做品牌替换
func (r *Rewriter) RewriteBrand(s string) string {
	if r.brandRe == nil {
		return s
	}
	return r.brandRe.ReplaceAllLiteralString(s, r.brandTo)
}

// RewriteValue 深度遍历已解析的 JSON 结构，替换所有字符串值里的模型名
func (r *Rewriter) RewriteValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.RewriteString(val)
	case map[string]any:
		for k, item := range val {
			val[k] = r.RewriteValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = r.RewriteValue(item)
		}
		return val
	default:
		return v
	}
}

// RewriteJSONBytes 解析 JSON 后深度替换再序列化；
// 解析失败时退回到原始字节上的字面替换
func (r *Rewriter) RewriteJSONBytes(data []byte) []byte {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return []byte(r.RewriteString(string(data)))
	}
	rewritten, err := json.Marshal(r.RewriteValue(parsed))
	if err != nil {
		return data
	}
	return rewritten
}

// RewriteSSEChunk 处理一个 SSE 数据块：data: 行的载荷先尝试 JSON
// 解析做深度替换，解析不了（含 [DONE]）就对整行做字面替换；
// 最后对整块应用品牌替换。
func (r *Rewriter) RewriteSSEChunk(chunk string) string {
	lines := strings.Split(chunk, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var parsed any
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			lines[i] = r.RewriteString(line)
			continue
		}
		rewritten, err := json.Marshal(r.RewriteValue(parsed))
		if err != nil {
			lines[i] = r.RewriteString(line)
			continue
		}
		lines[i] = "data: " + string(rewritten)
	}
	return r.RewriteBrand(strings.Join(lines, "\n"))
}
