package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfgpkg "clarifai/internal/config"
	"clarifai/internal/coordinator"
	"clarifai/internal/diag"
	"clarifai/internal/server"
	"clarifai/pkg/contract"
)

const shutdownGrace = 5 * time.Second

func serveCmd(f *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP/WebSocket（及可选 NATS）服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			cfg, err := resolveConfig(f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg, logger)
			if err != nil {
				logger.Error("serve", string(diag.Classify(err)), err.Error(), &start)
				return err
			}

			term := diag.NewTerminal(cmd.ErrOrStderr(), f.status)
			diag.SetTerminal(term)
			defer diag.SetTerminal(nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = serve(ctx, cfg, coord, logger, term)
			term.RunFinish(err == nil, time.Since(start))
			if err != nil {
				code := diag.Classify(err)
				logger.Error("serve", string(code), "first error: "+err.Error(), &start)
				diag.IncOp("serve", "error", "error")
				if code != diag.CodeUnknown {
					diag.IncError("serve", string(code))
				}
				return &exitError{code: exitRuntime, err: err}
			}
			logger.InfoFinish("serve", "stopped", start, 0)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址（覆盖 server.addr）")
	return cmd
}

// serve 运行 HTTP 服务与可选的 NATS 订阅，直到 ctx 结束。
// 停止顺序：取消全部在途请求 → 断开 WebSocket → 关闭 HTTP → 排空 NATS。
func serve(ctx context.Context, cfg cfgpkg.Config, coord *coordinator.Coordinator, logger *diag.Logger, term *diag.Terminal) error {
	srv := server.New(coord, server.Options{AllowedOrigins: cfg.Server.AllowedOrigins}, logger)
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if url := strings.TrimSpace(cfg.Server.NATSURL); url != "" {
		nc, err := nats.Connect(url, nats.Name("clarifai"), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("nats connect: %w", err)
		}
		if _, err := srv.SubscribeNATS(gctx, nc, cfg.Server.NATSSubject); err != nil {
			nc.Close()
			_ = httpSrv.Close()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		logger.Info("serve", "nats subscribed", map[string]string{"url": url, "subject": cfg.Server.NATSSubject})
		g.Go(func() error {
			<-gctx.Done()
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		n := coord.CancelAll()
		srv.Close()
		logger.Info("serve", "shutdown", map[string]string{"canceled": fmt.Sprintf("%d", n)})
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	})

	term.ServeStart(ln.Addr().String(), cfg.LLM)
	logger.Info("serve", "listening", map[string]string{"addr": ln.Addr().String(), "llm": cfg.LLM})
	return g.Wait()
}

func explainCmd(f *globalFlags) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "explain [text...]",
		Short: "一次性解释文本（无参数时读取 STDIN），输出 JSON 应答",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return &exitError{code: exitRuntime, err: fmt.Errorf("读取 STDIN 失败: %w", err)}
				}
				text = string(b)
			}
			cfg, err := resolveConfig(f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg, logger)
			if err != nil {
				return err
			}
			term := diag.NewTerminal(cmd.ErrOrStderr(), f.status)
			diag.SetTerminal(term)
			defer diag.SetTerminal(nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := coord.Explain(ctx, coordinator.ClientKey(clientID, nil), text)
			term.RunFinish(err == nil, time.Since(start))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err != nil {
				_ = enc.Encode(server.ErrorResponse(err, nil))
				if errors.Is(err, contract.ErrCanceled) {
					return &exitError{code: exitCanceled, err: err}
				}
				return &exitError{code: exitRuntime, err: err}
			}
			return enc.Encode(contract.Response{OK: true, Explanation: res.Description, Data: &res})
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "客户端标识（日志关联用）")
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "在目录生成默认 config.json 与 .env 模板（已存在则跳过，不覆盖）；dir 为 - 时输出到 STDOUT",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			cfg := cfgpkg.DefaultTemplateConfig()
			if dir == "-" {
				return writeConfig(cmd.OutOrStdout(), "-", cfg)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			if err := writeConfig(cmd.OutOrStdout(), filepath.Join(dir, "config.json"), cfg); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}
