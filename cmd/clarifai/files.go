package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	cfgpkg "clarifai/internal/config"
)

// writeConfig 写出配置 JSON；path 为 "-" 时写到 stdout。已存在的文件不覆盖（返回错误）。
func writeConfig(stdout io.Writer, path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 与 value 去首尾空白；
// - 成对的单/双引号去除外层引号；双引号内 \n/\t/\r/\\/\" 作最小转义。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# clarifai .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("CLARIFAI_CONFIG_FILE=\n")
	b.WriteString("CLARIFAI_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("CLARIFAI_LLM=\n")
	b.WriteString("CLARIFAI_MAX_TOKENS=\n")
	b.WriteString("CLARIFAI_BYTES_PER_TOKEN=\n")
	b.WriteString("CLARIFAI_REQUEST_TIMEOUT_SECONDS=\n")
	b.WriteString("CLARIFAI_LOG_LEVEL=\n")
	b.WriteString("CLARIFAI_LOG_DIR=\n\n")

	b.WriteString("# 服务\n")
	b.WriteString("CLARIFAI_SERVER_ADDR=\n")
	b.WriteString("CLARIFAI_SERVER_NATS_URL=\n")
	b.WriteString("CLARIFAI_SERVER_NATS_SUBJECT=\n")
	b.WriteString("CLARIFAI_SERVER_ALLOWED_ORIGINS=\n\n")

	b.WriteString("# 组件选择与选项\n")
	b.WriteString("CLARIFAI_COMPONENTS_PROMPT_BUILDER=\n")
	b.WriteString("CLARIFAI_COMPONENTS_DECODER=\n")
	b.WriteString("CLARIFAI_OPTIONS_PROMPT_BUILDER_JSON=\n")
	b.WriteString("CLARIFAI_OPTIONS_DECODER_JSON=\n\n")

	for _, p := range []string{"ollama", "openai", "gemini"} {
		b.WriteString("# Provider 覆盖（" + p + "）\n")
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString("CLARIFAI_PROVIDER__" + p + "__" + k + "=\n")
		}
		b.WriteString("\n")
	}

	// 由 Provider 客户端直接读取，不经 CLARIFAI_ 前缀
	b.WriteString("# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
