package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Extraction 是第三方取证工具的预提取结果：
// Prompt 拼进分析请求，Details 合并进报告的 technical_details。
type Extraction struct {
	Tool    string
	Prompt  string
	Details map[string]any
}

// Runner 执行外部命令并返回 stdout，测试中可替换。
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		msg := ""
		if ee, ok := err.(*exec.ExitError); ok {
			msg = strings.TrimSpace(string(ee.Stderr))
		}
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return string(out), nil
}
