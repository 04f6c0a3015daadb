package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/relaygate/internal/model"
)

// LogDB 本地请求日志存储。只保存请求元数据，不保留消息内容。
type LogDB struct {
	db *sql.DB
}

// NewLogDB 创建日志存储
func NewLogDB(dbPath string) (*LogDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	ldb := &LogDB{db: db}
	if err := ldb.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return ldb, nil
}

// migrate 数据库迁移
func (l *LogDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		correlation_id TEXT,
		timestamp DATETIME NOT NULL,
		key_token TEXT,
		source_id TEXT,
		source_kind TEXT,
		model TEXT,
		stream INTEGER,
		success INTEGER,
		status_code INTEGER,
		latency_ms INTEGER,
		input_tokens INTEGER,
		output_tokens INTEGER,
		error TEXT,
		client_ip TEXT,
		counted INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON request_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_source ON request_logs(source_id);
	CREATE INDEX IF NOT EXISTS idx_logs_correlation ON request_logs(correlation_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (l *LogDB) Close() error {
	return l.db.Close()
}

// SaveLog 保存请求日志
func (l *LogDB) SaveLog(log *model.RequestLog) error {
	_, err := l.db.Exec(`
		INSERT INTO request_logs (id, correlation_id, timestamp, key_token, source_id,
			source_kind, model, stream, success, status_code, latency_ms,
			input_tokens, output_tokens, error, client_ip, counted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.CorrelationID, log.Timestamp, log.KeyToken, log.SourceID,
		log.SourceKind, log.Model, log.Stream, log.Success, log.StatusCode, log.LatencyMs,
		log.InputTokens, log.OutputTokens, log.Error, log.ClientIP, log.Counted)
	return err
}

// QueryLogs 查询日志
func (l *LogDB) QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error) {
	q := "SELECT id, correlation_id, timestamp, key_token, source_id, source_kind, model, stream, success, status_code, latency_ms, input_tokens, output_tokens, error, client_ip, counted FROM request_logs WHERE 1=1"
	args := []any{}

	if query.SourceID != "" {
		q += " AND source_id = ?"
		args = append(args, query.SourceID)
	}
	if query.CorrelationID != "" {
		q += " AND correlation_id = ?"
		args = append(args, query.CorrelationID)
	}
	if query.Model != "" {
		q += " AND model = ?"
		args = append(args, query.Model)
	}
	if query.Success != nil {
		q += " AND success = ?"
		args = append(args, *query.Success)
	}
	if !query.StartTime.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, query.StartTime)
	}
	if !query.EndTime.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, query.EndTime)
	}

	q += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		q += " LIMIT 100"
	}
	if query.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.RequestLog
	for rows.Next() {
		var log model.RequestLog
		if err := rows.Scan(&log.ID, &log.CorrelationID, &log.Timestamp, &log.KeyToken,
			&log.SourceID, &log.SourceKind, &log.Model, &log.Stream, &log.Success,
			&log.StatusCode, &log.LatencyMs, &log.InputTokens, &log.OutputTokens,
			&log.Error, &log.ClientIP, &log.Counted); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, nil
}

// GetDailyStats 获取每日统计
func (l *LogDB) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := l.db.Query(`
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			SUM(input_tokens + output_tokens) as total_tokens,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM request_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var s model.DailyStats
		if err := rows.Scan(&s.Date, &s.TotalRequests, &s.SuccessRate, &s.TotalTokens, &s.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, nil
}

// GetSourceStats 获取源统计
func (l *LogDB) GetSourceStats(days int) ([]*model.SourceStats, error) {
	rows, err := l.db.Query(`
		SELECT
			source_id,
			source_kind,
			COUNT(*) as request_count,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency,
			SUM(input_tokens + output_tokens) as total_tokens
		FROM request_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY source_id
		ORDER BY request_count DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.SourceStats
	for rows.Next() {
		var s model.SourceStats
		if err := rows.Scan(&s.SourceID, &s.SourceKind, &s.RequestCount, &s.SuccessRate, &s.AvgLatency, &s.TotalTokens); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, nil
}

// CleanOldLogs 清理过期日志
func (l *LogDB) CleanOldLogs(retentionDays int) (int64, error) {
	result, err := l.db.Exec(`
		DELETE FROM request_logs
		WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
