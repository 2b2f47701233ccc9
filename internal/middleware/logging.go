// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は鍵操作の監査ログを出力し、操作回数を記録する。
// keyIDが不明な操作（作成失敗など）は空文字を渡す。
func WriteAuditLog(ctx context.Context, operation string, keyID string, result string, attrs ...any) {
	operationsTotal.WithLabelValues(operation, result).Inc()

	args := append([]any{
		"operation", operation,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}, attrs...)

	level := slog.LevelInfo
	if result != ResultSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "key operation completed", args...)
}
