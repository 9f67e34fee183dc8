package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是进程级配置，启动时一次性加载，之后只读。
// 请求级的参数一律通过 dispatch.AnalysisContext 显式传递，不往这里塞。
type Config struct {
	DBPath      string `yaml:"db_path"`
	EvidenceDir string `yaml:"evidence_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	DefaultCase string `yaml:"default_case"`

	Log      LogConfig         `yaml:"log"`
	Analyzer AnalyzerConfig    `yaml:"analyzer"`
	Tools    ToolsConfig       `yaml:"tools"`
	Auth     AuthConfig        `yaml:"auth"`
	Routing  map[string]string `yaml:"routing"` // 扩展名 -> capability，覆盖内置路由表
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// AnalyzerConfig 描述外部 agent 执行服务。
type AnalyzerConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	AppName  string   `yaml:"app_name"`
	Timeout  Duration `yaml:"timeout"`
}

type ToolsConfig struct {
	TsharkPath string   `yaml:"tshark_path"`
	Timeout    Duration `yaml:"timeout"`
}

// AuthConfig 为空时 API 不做鉴权（本机使用）。
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Duration 让 YAML 里可以直接写 "90s" / "2m"。
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// AnalyzerAPIKeyEnv 是配置文件未写 api_key 时的兜底环境变量。
const AnalyzerAPIKeyEnv = "FORENSIC_ANALYZER_API_KEY"

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:      "data/ledger.db",
		EvidenceDir: "data/evidence",
		ListenAddr:  "127.0.0.1:8000",
		DefaultCase: "default",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Analyzer: AnalyzerConfig{
			Endpoint: "http://127.0.0.1:8080",
			AppName:  "forensic_ledger",
			Timeout:  Duration{120 * time.Second},
		},
		Tools: ToolsConfig{
			TsharkPath: "tshark",
			Timeout:    Duration{30 * time.Second},
		},
		Routing: map[string]string{},
	}
}

// LoadConfig 读取 YAML 配置并叠加到默认值上；path 为空时只返回默认值。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Analyzer.APIKey == "" {
		cfg.Analyzer.APIKey = os.Getenv(AnalyzerAPIKeyEnv)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 做基础结构校验，缺省项补默认值。
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaults.DBPath
	}
	if strings.TrimSpace(c.EvidenceDir) == "" {
		c.EvidenceDir = defaults.EvidenceDir
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if strings.TrimSpace(c.DefaultCase) == "" {
		c.DefaultCase = defaults.DefaultCase
	}
	if c.Analyzer.Timeout.Duration <= 0 {
		c.Analyzer.Timeout = defaults.Analyzer.Timeout
	}
	if c.Tools.Timeout.Duration <= 0 {
		c.Tools.Timeout = defaults.Tools.Timeout
	}
	if strings.TrimSpace(c.Tools.TsharkPath) == "" {
		c.Tools.TsharkPath = defaults.Tools.TsharkPath
	}
	if strings.TrimSpace(c.Analyzer.AppName) == "" {
		c.Analyzer.AppName = defaults.Analyzer.AppName
	}
	for ext := range c.Routing {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("routing: extension must start with '.': %q", ext)
		}
	}
	return nil
}
