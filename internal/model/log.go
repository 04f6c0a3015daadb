package model

import "time"

// RequestLog 请求日志（仅元数据，不保留消息内容）
type RequestLog struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	KeyToken      string    `json:"key_token,omitempty"` // 脱敏后的 token
	SourceID      string    `json:"source_id"`
	SourceKind    string    `json:"source_kind"`
	Model         string    `json:"model"`
	Stream        bool      `json:"stream"`

	Success    bool  `json:"success"`
	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`

	// 从上游响应（SSE 事件或非流式响应体）中顺带采集的 token 计数，仅用于记录
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	Error string `json:"error,omitempty"`

	ClientIP string `json:"client_ip,omitempty"`
	Counted  bool   `json:"counted"` // 是否计入了每日配额
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatency    float64 `json:"avg_latency_ms"`
}

// SourceStats 源统计
type SourceStats struct {
	SourceID     string  `json:"source_id"`
	SourceKind   string  `json:"source_kind"`
	RequestCount int     `json:"request_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatency   float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	SourceID      string    `form:"source_id"`
	CorrelationID string    `form:"correlation_id"`
	Model         string    `form:"model"`
	Success       *bool     `form:"success"`
	StartTime     time.Time `form:"start_time"`
	EndTime       time.Time `form:"end_time"`
	Limit         int       `form:"limit"`
	Offset        int       `form:"offset"`
}
