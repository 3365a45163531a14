package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"abroad-docs-go/internal/handler"
	"abroad-docs-go/internal/middleware"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/token"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background document processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret must be set")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// 启动后台任务消费者
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	waitConsumer := a.startConsumer(consumerCtx)

	// 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	handler.RegisterRoutes(r, token.NewJWTManager(cfg.JWT.Secret, 0), handler.Handlers{
		Upload:   handler.NewUploadHandler(a.uploads, int64(cfg.Upload.MaxFileSizeMB)<<20),
		Document: handler.NewDocumentHandler(a.documents),
		Search:   handler.NewSearchHandler(a.search),
		Status:   handler.NewStatusStreamHandler(a.documents, time.Second),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	case err := <-serveErr:
		if err != nil {
			log.Errorf("HTTP 服务监听失败: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 先停止消费，正在处理的文档会被标记为中断
	cancelConsumer()
	waitConsumer()
	log.Info("服务已优雅关闭")
	return nil
}
