package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// Text 将多个字段按换行拼接后计算 SHA-256。
// 账本的 current_hash 以及报告留痕都走这里，拼接规则一旦变更，历史链将无法复核。
func Text(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
// 用于证据文件的落盘复核。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Copy(io.Discard, f)
}

// Copy 把 src 写入 dst 的同时计算 SHA-256。
// 上传/流式接收时一次遍历即可同时完成落盘与取哈希，避免二次读取大文件。
func Copy(dst io.Writer, src io.Reader) (sum string, size int64, err error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
