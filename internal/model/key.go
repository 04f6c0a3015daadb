package model

import "time"

// UsageToday 当日用量计数
type UsageToday struct {
	Date  string `json:"date"` // UTC 日期 2006-01-02
	Count int    `json:"count"`
}

// KeyRecord 调用方 API Key 记录
// Redis key 本身就是调用方持有的 token
type KeyRecord struct {
	Expiry               string     `json:"expiry"` // 截止日期（含当日）
	DailyLimit           int        `json:"daily_limit"`
	UsageToday           UsageToday `json:"usage_today"`
	SelectedModel        string     `json:"selected_model,omitempty"`
	SelectedAPIProfileID string     `json:"selected_api_profile_id,omitempty"`
	LastRequestTimestamp int64      `json:"last_request_timestamp,omitempty"` // 毫秒时间戳
	LastConversationID   string     `json:"last_conversation_id,omitempty"`
}

// IsExpired 检查 Key 是否已过期（expiry 当日仍然有效）
func (k *KeyRecord) IsExpired(now time.Time) bool {
	if k.Expiry == "" {
		return false
	}
	exp, err := time.ParseInLocation("2006-01-02", k.Expiry, time.UTC)
	if err != nil {
		return true // 无法解析的日期视为过期
	}
	return now.UTC().After(exp.AddDate(0, 0, 1).Add(-time.Nanosecond))
}

// RollUsage 将 usage_today 滚动到当天，返回是否发生了滚动
func (k *KeyRecord) RollUsage(now time.Time) bool {
	today := now.UTC().Format("2006-01-02")
	if k.UsageToday.Date == today {
		return false
	}
	k.UsageToday = UsageToday{Date: today, Count: 0}
	return true
}

// UsageCheck 用量预检结果
type UsageCheck struct {
	Allowed bool   `json:"allowed"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
	Reason  string `json:"reason,omitempty"`
}

// 预检拒绝原因
const (
	ReasonInvalidKey        = "invalid_key"
	ReasonDailyLimitReached = "daily_limit_reached"
)

// UsageIncrement 用量递增结果
type UsageIncrement struct {
	Allowed         bool   `json:"allowed"`
	Current         int    `json:"current"`
	Limit           int    `json:"limit"`
	ShouldIncrement bool   `json:"should_increment"`
	Reason          string `json:"reason,omitempty"`
}
