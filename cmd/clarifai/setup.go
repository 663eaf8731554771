package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	cfgpkg "clarifai/internal/config"
	"clarifai/internal/coordinator"
	"clarifai/internal/diag"
	"clarifai/internal/pipeline"
)

// 配置来源的 ENV（不参与 EnvOverlay）。
const (
	envConfigFile = cfgpkg.EnvPrefix + "CONFIG_FILE"
	envConfigJSON = cfgpkg.EnvPrefix + "CONFIG_JSON"
)

// resolveConfig 按 默认值 → 文件/JSON → ENV → CLI 的优先级得到最终配置并校验。
func resolveConfig(f *globalFlags, stderr io.Writer) (cfgpkg.Config, error) {
	var cfgJSON []byte
	if s := os.Getenv(envConfigJSON); s != "" {
		cfgJSON = []byte(s)
	}
	path := f.config
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	// 默认读取工作目录下 config.json / config.yaml（若存在）
	if path == "" {
		for _, cand := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(cand); err == nil {
				path = cand
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	var (
		base cfgpkg.Config
		err  error
	)
	switch {
	case len(cfgJSON) > 0:
		base, err = cfgpkg.LoadJSON("", cfgJSON)
	case path != "":
		base, err = cfgpkg.LoadFile(path)
	}
	if err != nil {
		return cfg, configErr("配置解析失败: %w", err)
	}
	if len(cfgJSON) > 0 || path != "" {
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configErr("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖；超时 -1 表示未设置
	overCLI := cfgpkg.Config{RequestTimeoutSeconds: f.timeout}
	overCLI.LLM = f.llm
	if f.maxTokens > 0 {
		overCLI.MaxTokens = f.maxTokens
	}
	overCLI.Logging.Level = f.logLevel
	overCLI.Logging.Dir = f.logDir
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		// 打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return cfg, configErr("配置校验失败: %w", err)
	}
	return cfg, nil
}

// newLogger 以最终配置的级别与目录构造日志器；目录不可写时返回配置错误。
func newLogger(cfg cfgpkg.Config) (*diag.Logger, error) {
	dir := strings.TrimSpace(cfg.Logging.Dir)
	if dir == "" {
		dir = cfgpkg.Defaults().Logging.Dir
	}
	if err := preflightCheckDir(dir); err != nil {
		return nil, configErr("日志目录不可写或无法创建: %w", err)
	}
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	return diag.NewLoggerDir(genCorrID(), level, dir), nil
}

// buildCoordinator 装配 生成器 → 协调器。
func buildCoordinator(cfg cfgpkg.Config, logger *diag.Logger) (*coordinator.Coordinator, error) {
	comp, set, limiter, key, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return nil, configErr("装配失败: %w", err)
	}
	gen, err := pipeline.New(comp, set, logger)
	if err != nil {
		return nil, configErr("装配失败: %w", err)
	}
	// 启动即导出满额度，之后由每次放行刷新
	q := limiter.Remaining(key)
	diag.SetQuota(q.Requests, q.Tokens)
	logEffective(cfg, logger)
	return coordinator.New(gen, coordinator.Options{Timeout: cfg.RequestTimeout()}, logger), nil
}

// logEffective: debug 级别输出运行时配置信息（不含密钥）。
func logEffective(cfg cfgpkg.Config, logger *diag.Logger) {
	kv := map[string]string{
		"llm":             cfg.LLM,
		"max_tokens":      fmt.Sprintf("%d", cfg.MaxTokens),
		"timeout_seconds": fmt.Sprintf("%d", cfg.RequestTimeoutSeconds),
		"prompt_builder":  cfg.Components.PromptBuilder,
		"decoder":         cfg.Components.Decoder,
		"addr":            cfg.Server.Addr,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		type small struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		var s small
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	if cfg.Server.NATSURL != "" {
		kv["nats_subject"] = cfg.Server.NATSSubject
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

func genCorrID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// preflightCheckDir: 启动前检查目录可写性。
// - 目录已存在：尝试创建并删除临时文件；
// - 目录不存在：检查父目录可写（尝试在父目录创建并删除临时目录）。
func preflightCheckDir(dir string) error {
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if err == nil && !st.IsDir() {
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	if parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
