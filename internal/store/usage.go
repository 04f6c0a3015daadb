package store

import (
	"context"
	"time"

	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
)

// 会话轮次去重窗口：同一 conversationId 在窗口内的重复请求只计一次
const conversationDedupWindow = 60 * time.Second

// CheckUsage 用量预检，不做任何变更
func (s *Store) CheckUsage(ctx context.Context, token string) (model.UsageCheck, error) {
	rec, err := s.GetKey(ctx, token)
	if err == ErrNotFound {
		return model.UsageCheck{Allowed: false, Reason: model.ReasonInvalidKey}, nil
	}
	if err != nil {
		return model.UsageCheck{}, err
	}

	check := model.UsageCheck{
		Current: rec.UsageToday.Count,
		Limit:   rec.DailyLimit,
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		check.Reason = model.ReasonDailyLimitReached
		return check, nil
	}
	check.Allowed = true
	return check, nil
}

// IncrementUsage 延迟计数提交。读取记录、判定去重、按需加一并写回。
// conversationID 与上次相同且间隔小于 60 秒时视为同一轮次重试，
// 不增加计数。
func (s *Store) IncrementUsage(ctx context.Context, token, conversationID string) (model.UsageIncrement, error) {
	rec, err := s.GetKey(ctx, token)
	if err == ErrNotFound {
		return model.UsageIncrement{Allowed: false, Reason: model.ReasonInvalidKey}, nil
	}
	if err != nil {
		return model.UsageIncrement{}, err
	}

	result := model.UsageIncrement{
		Current: rec.UsageToday.Count,
		Limit:   rec.DailyLimit,
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		result.Reason = model.ReasonDailyLimitReached
		return result, nil
	}
	result.Allowed = true

	now := time.Now()
	nowMs := now.UnixMilli()
	if conversationID != "" &&
		conversationID == rec.LastConversationID &&
		nowMs-rec.LastRequestTimestamp < conversationDedupWindow.Milliseconds() {
		s.metrics.Inc(metrics.UsageDeduplicated)
		return result, nil
	}

	rec.UsageToday.Count++
	rec.LastConversationID = conversationID
	rec.LastRequestTimestamp = nowMs
	if err := s.PutKey(ctx, token, rec); err != nil {
		return model.UsageIncrement{}, err
	}

	s.metrics.Inc(metrics.UsageIncrements)
	result.Current = rec.UsageToday.Count
	result.ShouldIncrement = true
	return result, nil
}
