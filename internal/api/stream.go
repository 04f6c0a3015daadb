package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/relaygate/internal/logger"
	"github.com/xiaopang/relaygate/internal/metrics"
)

// 心跳间隔：上游长时间静默时防止中间层（nginx 等）掐断空闲连接
const heartbeatInterval = 15 * time.Second

// relayStream 流式转发：立即回写 SSE 头和 :connected 哨兵，
// 心跳与数据块写入共用一把锁；所有终止路径都释放槽位，
// 只有正常走到上游 EOF 才提交用量计数。
func (h *RelayHandler) relayStream(c *gin.Context, log *logger.Logger, rc relayContext, resp *http.Response, start time.Time) {
	w := c.Writer
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/event-stream")
	copyResponseHeaders(c, resp, rc.rewriter)
	w.WriteHeader(resp.StatusCode)

	var writeMu sync.Mutex
	write := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write([]byte(s)); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := write(":connected\n\n"); err != nil {
		rc.release()
		return
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	stop := func() { doneOnce.Do(func() { close(done) }) }
	clientGone := c.Request.Context().Done()

	// 心跳
	go func() {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-clientGone:
				return
			case <-ticker.C:
				if err := write(":heartbeat\n\n"); err != nil {
					return
				}
				h.metrics.Inc(metrics.HeartbeatsSent)
			}
		}
	}()

	// 调用方断开时关闭上游 body，打断阻塞中的读取
	go func() {
		select {
		case <-clientGone:
			resp.Body.Close()
		case <-done:
		}
	}()

	var inTok, outTok int
	var streamErr error
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			hin, hout := harvestStreamUsage(chunk)
			if hin > 0 {
				inTok = hin
			}
			if hout > outTok {
				outTok = hout
			}
			if werr := write(rc.rewriter.RewriteSSEChunk(chunk)); werr != nil {
				streamErr = werr
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
	}

	stop()
	rc.release()

	if streamErr == nil {
		rc.commitUsage()
		h.metrics.Inc(metrics.RelaySuccess)
		h.logOutcome(c, rc, start, resp.StatusCode, inTok, outTok, true, nil)
		return
	}

	h.metrics.Inc(metrics.RelayErrors)
	log.Warn("stream interrupted", "error", streamErr)
	h.logOutcome(c, rc, start, resp.StatusCode, inTok, outTok, false, streamErr)
}

// harvestStreamUsage 从 SSE 事件中顺带采集 token 计数，仅用于记录。
// 兼容 Anthropic（message_start / message_delta）和 OpenAI（usage）两种事件。
func harvestStreamUsage(chunk string) (int, int) {
	var in, out int
	for _, line := range strings.Split(chunk, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event struct {
			Type    string `json:"type"`
			Message struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage struct {
				OutputTokens     int `json:"output_tokens"`
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message.Usage.InputTokens > 0 {
				in = event.Message.Usage.InputTokens
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				out = event.Usage.OutputTokens
			}
		default:
			if event.Usage.PromptTokens > 0 {
				in = event.Usage.PromptTokens
			}
			if event.Usage.CompletionTokens > 0 {
				out = event.Usage.CompletionTokens
			}
		}
	}
	return in, out
}
