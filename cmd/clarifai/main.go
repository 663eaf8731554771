package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version 由构建时 -ldflags "-X main.version=..." 注入。
var version = "dev"

// 退出码：0 成功；1 运行期失败；2 请求被取消；3 配置/调用错误。
const (
	exitOK       = 0
	exitRuntime  = 1
	exitCanceled = 2
	exitConfig   = 3
)

// exitError 携带退出码；消息已在产生处按需输出。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	root := rootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "错误: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	return exitConfig
}

// globalFlags: 各子命令共享的覆盖项。
type globalFlags struct {
	config    string
	llm       string
	maxTokens int
	timeout   int
	logLevel  string
	logDir    string
	status    bool
}

func rootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var f globalFlags
	cmd := &cobra.Command{
		Use:           "clarifai",
		Short:         "选中文本的简明英文解释服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.config, "config", "c", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json（若存在）")
	pf.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.IntVar(&f.maxTokens, "max-tokens", 0, "单请求 token 预算（覆盖配置）")
	// 超时允许显式设置为 0（不限）；默认 -1 表示“未覆盖”。
	pf.IntVar(&f.timeout, "timeout", -1, "单请求超时秒数（覆盖配置；0 表示不限）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.StringVar(&f.logDir, "log-dir", "", "日志目录（覆盖配置）")
	pf.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	cmd.AddCommand(serveCmd(&f), explainCmd(&f), initConfigCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "clarifai version %s\n", version)
		},
	}
}
