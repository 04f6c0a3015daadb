package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/relaygate/internal/core"
	"github.com/xiaopang/relaygate/internal/logger"
	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
	"github.com/xiaopang/relaygate/internal/store"
)

// 上游请求总超时
const upstreamDeadline = 5 * time.Minute

// 上游要求的客户端身份标识
const (
	clientUserAgent = "claude-code/1.0.42"
	clientVersion   = "1.0.42"
)

// conversationId 中 User-Agent 的截断长度
const userAgentFingerprintLen = 50

// RelayHandler 中继处理器，承载 POST /v1/* 的调度管线
type RelayHandler struct {
	store     *store.Store
	selector  *core.Selector
	logdb     *store.LogDB
	metrics   *metrics.Collector
	client    *http.Client
	heartbeat time.Duration
}

// NewRelayHandler 创建中继处理器。HTTP 客户端按主机维护长连接池。
func NewRelayHandler(s *store.Store, selector *core.Selector, logdb *store.LogDB, m *metrics.Collector) *RelayHandler {
	return &RelayHandler{
		store:     s,
		selector:  selector,
		logdb:     logdb,
		metrics:   m,
		heartbeat: heartbeatInterval,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   60 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxConnsPerHost:     50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Handle 调度一次中继请求：
// 认证 → 分类 → 用量预检 → 选源 → 转换 → 转发
func (h *RelayHandler) Handle(c *gin.Context) {
	corrID := correlationID(c)
	log := logger.Default().With("correlation_id", corrID)
	h.metrics.Inc(metrics.RelayRequests)

	if c.Request.Method != http.MethodPost {
		c.JSON(405, model.ErrorResponse{
			Error:         model.ErrKindMethodNotAllow,
			Message:       "Only POST is supported",
			CorrelationID: corrID,
		})
		return
	}

	// 认证
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(401, model.ErrorResponse{
			Error:         model.ErrKindMissingAuth,
			Message:       "Missing or invalid Authorization header",
			CorrelationID: corrID,
		})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.store.GetKey(ctx, token)
	if err == store.ErrNotFound {
		c.JSON(401, model.ErrorResponse{
			Error:         model.ErrKindInvalidKey,
			Message:       "Invalid API key",
			CorrelationID: corrID,
		})
		return
	}
	if err != nil {
		h.internalError(c, log, "load key failed", err)
		return
	}
	if rec.IsExpired(time.Now()) {
		c.JSON(403, model.ErrorResponse{
			Error:         model.ErrKindKeyExpired,
			Message:       "API key has expired",
			CorrelationID: corrID,
		})
		return
	}

	// 解析请求体并分类
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error:         model.ErrKindInvalidModel,
			Message:       "Invalid request body: " + err.Error(),
			CorrelationID: corrID,
			Type:          "invalid_request_error",
		})
		return
	}

	path := c.Request.URL.Path
	isCountTokens := strings.Contains(path, "/count_tokens")
	shouldCountUsage := !isCountTokens && model.LastMessageCountsForUsage(body)

	// 用量预检
	check, err := h.store.CheckUsage(ctx, token)
	if err != nil {
		h.internalError(c, log, "usage check failed", err)
		return
	}
	if !check.Allowed {
		if check.Reason == model.ReasonInvalidKey {
			c.JSON(401, model.ErrorResponse{
				Error:         model.ErrKindInvalidKey,
				Message:       "Invalid API key",
				CorrelationID: corrID,
			})
			return
		}
		c.JSON(429, model.ErrorResponse{
			Error:         model.ErrKindDailyLimit,
			Message:       "Daily limit reached",
			CorrelationID: corrID,
			CurrentUsage:  &check.Current,
			DailyLimit:    &check.Limit,
		})
		return
	}

	// 选源
	src, err := h.selector.Select(ctx, rec)
	if err == core.ErrNoAvailableSource {
		c.JSON(503, model.ErrorResponse{
			Error:         model.ErrKindUnavailable,
			Message:       "No upstream source available",
			CorrelationID: corrID,
		})
		return
	}
	if err != nil {
		h.internalError(c, log, "source selection failed", err)
		return
	}

	// 槽位释放：所有终止路径恰好一次
	var releaseOnce sync.Once
	release := func() {
		if src.ConcurrencyOwnerID == "" {
			return
		}
		releaseOnce.Do(func() {
			h.store.Release(context.Background(), src.ConcurrencyOwnerID)
		})
	}
	// panic 兜底：once 保证与显式释放不重复
	defer release()

	// 转换
	settings, err := h.store.GetSettings(ctx)
	if err != nil {
		release()
		h.internalError(c, log, "load settings failed", err)
		return
	}
	if err := core.ValidateAndSwapModel(body, settings, src); err != nil {
		release()
		c.JSON(400, model.ErrorResponse{
			Error:         model.ErrKindInvalidModel,
			Message:       "Model must be " + settings.ModelDisplay,
			CorrelationID: corrID,
			Type:          "invalid_request_error",
		})
		return
	}

	if !src.DisableSystemPromptInjection {
		prompt := core.ResolvePrompt(rec, settings, h.store.GetModelConfigs(ctx))
		format := core.ResolvePromptFormat(src, settings)
		core.InjectSystemPrompt(body, prompt, format, path)
	}

	// 延迟计数：成功后提交
	conversationID := conversationFingerprint(c)
	commitUsage := func() {
		if !shouldCountUsage {
			return
		}
		if _, err := h.store.IncrementUsage(context.Background(), token, conversationID); err != nil {
			log.Warn("usage increment failed", "error", err)
		}
	}

	// 转发
	rewriter := core.NewRewriter(
		resolvedModelActual(body), settings.ModelDisplay,
		settings.RewriteFrom, settings.RewriteTo,
	)
	h.relay(c, log, relayContext{
		body:        body,
		source:      src,
		settings:    settings,
		rewriter:    rewriter,
		release:     release,
		commitUsage: commitUsage,
		keyToken:    token,
		counted:     shouldCountUsage,
	})
}

// relayContext 转发阶段的请求上下文
type relayContext struct {
	body        map[string]any
	source      *model.ActiveSource
	settings    *model.Settings
	rewriter    *core.Rewriter
	release     func()
	commitUsage func()
	keyToken    string
	counted     bool
}

// relay 打开上游并按流式/非流式分派
func (h *RelayHandler) relay(c *gin.Context, log *logger.Logger, rc relayContext) {
	corrID := correlationID(c)
	start := time.Now()

	payload, err := json.Marshal(rc.body)
	if err != nil {
		rc.release()
		h.internalError(c, log, "encode upstream body failed", err)
		return
	}

	upstreamURL := core.BuildUpstreamURL(rc.source.APIURL, c.Request.URL.RequestURI())

	ctx, cancel := context.WithTimeout(c.Request.Context(), upstreamDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(payload))
	if err != nil {
		rc.release()
		h.internalError(c, log, "build upstream request failed", err)
		return
	}
	setUpstreamHeaders(req, rc.source.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		rc.release()
		if errors.Is(err, context.DeadlineExceeded) {
			h.metrics.Inc(metrics.RelayTimeouts)
			c.JSON(504, model.ErrorResponse{
				Error:         model.ErrKindTimeout,
				Message:       "Upstream request timed out",
				CorrelationID: corrID,
			})
		} else {
			h.metrics.Inc(metrics.RelayErrors)
			log.Error("upstream request failed", "error", err, "url", upstreamURL)
			c.JSON(500, model.ErrorResponse{
				Error:         model.ErrKindUpstream,
				Message:       "Failed to reach upstream",
				CorrelationID: corrID,
			})
		}
		h.logOutcome(c, rc, start, 0, 0, 0, false, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		rc.release()
		h.metrics.Inc(metrics.RelayErrors)

		var details any
		if err := json.Unmarshal(respBody, &details); err != nil {
			details = string(respBody)
		}
		c.JSON(resp.StatusCode, model.ErrorResponse{
			Error:         model.ErrKindUpstream,
			Message:       "Upstream returned an error",
			CorrelationID: corrID,
			Details:       details,
		})
		h.logOutcome(c, rc, start, resp.StatusCode, 0, 0, false, nil)
		return
	}

	if model.BodyStream(rc.body) {
		h.relayStream(c, log, rc, resp, start)
		return
	}
	h.relayUnary(c, log, rc, resp, start)
}

// relayUnary 非流式：读完整响应，深度替换模型名后回写
func (h *RelayHandler) relayUnary(c *gin.Context, log *logger.Logger, rc relayContext, resp *http.Response, start time.Time) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		rc.release()
		h.metrics.Inc(metrics.RelayErrors)
		h.internalError(c, log, "read upstream body failed", err)
		h.logOutcome(c, rc, start, resp.StatusCode, 0, 0, false, err)
		return
	}

	rewritten := rc.rewriter.RewriteJSONBytes(respBody)

	rc.release()
	rc.commitUsage()
	h.metrics.Inc(metrics.RelaySuccess)

	copyResponseHeaders(c, resp, rc.rewriter)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), rewritten)

	inTok, outTok := harvestUnaryUsage(respBody)
	h.logOutcome(c, rc, start, resp.StatusCode, inTok, outTok, true, nil)
}

// internalError 记录错误并返回 500
func (h *RelayHandler) internalError(c *gin.Context, log *logger.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	h.metrics.Inc(metrics.RelayErrors)
	c.JSON(500, model.ErrorResponse{
		Error:         model.ErrKindInternal,
		Message:       "Internal server error",
		CorrelationID: correlationID(c),
	})
}

// logOutcome 落一条请求元数据日志
func (h *RelayHandler) logOutcome(c *gin.Context, rc relayContext, start time.Time, status, inTok, outTok int, success bool, err error) {
	if h.logdb == nil {
		return
	}
	entry := &model.RequestLog{
		ID:            core.GenerateLogID(),
		CorrelationID: correlationID(c),
		Timestamp:     start,
		KeyToken:      maskToken(rc.keyToken),
		SourceID:      rc.source.ID,
		SourceKind:    string(rc.source.Kind),
		Model:         rc.settings.ModelDisplay,
		Stream:        model.BodyStream(rc.body),
		Success:       success,
		StatusCode:    status,
		LatencyMs:     time.Since(start).Milliseconds(),
		InputTokens:   inTok,
		OutputTokens:  outTok,
		ClientIP:      c.ClientIP(),
		Counted:       rc.counted && success,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if dberr := h.logdb.SaveLog(entry); dberr != nil {
		logger.Warn("save request log failed", "error", dberr)
	}
}

// === helpers ===

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth || token == "" {
		return "", false
	}
	return token, true
}

// conversationFingerprint 会话轮次指纹：客户端 IP + 截断的 User-Agent。
// 刻意不含消息内容：部分上游会在重试间改写消息内容，
// 按内容哈希会导致同一轮次被重复计数。
func conversationFingerprint(c *gin.Context) string {
	ua := c.GetHeader("User-Agent")
	if len(ua) > userAgentFingerprintLen {
		ua = ua[:userAgentFingerprintLen]
	}
	return c.ClientIP() + ":" + ua
}

func setUpstreamHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", clientUserAgent)
	req.Header.Set("anthropic-client-version", clientVersion)
}

// copyResponseHeaders 复制上游响应头并应用模型名替换，
// 跳过逐跳头和长度头
func copyResponseHeaders(c *gin.Context, resp *http.Response, rewriter *core.Rewriter) {
	for name, values := range resp.Header {
		switch strings.ToLower(name) {
		case "content-length", "transfer-encoding", "connection", "content-type":
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, rewriter.RewriteString(v))
		}
	}
}

// resolvedModelActual 读取替换后请求体中的实际模型名
func resolvedModelActual(body map[string]any) string {
	return model.BodyModel(body)
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// harvestUnaryUsage 从非流式响应中采集 token 计数，仅用于记录
func harvestUnaryUsage(respBody []byte) (int, int) {
	var parsed struct {
		Usage struct {
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, 0
	}
	in := parsed.Usage.InputTokens
	if in == 0 {
		in = parsed.Usage.PromptTokens
	}
	out := parsed.Usage.OutputTokens
	if out == 0 {
		out = parsed.Usage.CompletionTokens
	}
	return in, out
}
