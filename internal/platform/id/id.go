package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的简易唯一 ID：
// prefix + 毫秒时间戳 + 随机后缀。
// 用于证据落盘文件名等“便于人读”的场景。
func New(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// Request 生成单次分析请求的关联 ID（UUID v4）。
func Request() string {
	return uuid.NewString()
}

// CaseNumber 生成案件编号：CASE-<年份>-<8 位大写十六进制>。
// 随机后缀取自 UUID，碰撞概率极低但不做形式化保证，真正的唯一性由 cases.case_number 唯一索引兜底。
func CaseNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("CASE-%d-%s", now.UTC().Year(), suffix)
}
