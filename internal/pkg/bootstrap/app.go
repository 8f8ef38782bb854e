// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/tracing"
)

type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client // 未配置 Nacos 时为 nil
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Setup 注册 HTTP 路由并返回需要随服务一起运行的后台组件，ctx 结束时组件应退出
	Setup func(appCtx AppCtx) (run func(ctx context.Context) error, err error)
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞到收到退出信号或某个组件出错。
func StartService(cfg *Config, info AppInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Jaeger.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down tracer provider")
		}
	}()

	// 2. Nacos（可选）
	var namingClient *nacos.Client
	if cfg.Nacos.Addrs != "" {
		namingClient, err = nacos.NewNacosClient(cfg.Nacos.Addrs, cfg.Nacos.Namespace, cfg.Nacos.Group)
		if err != nil {
			return fmt.Errorf("failed to initialize nacos client: %w", err)
		}
		defer namingClient.Close()
	}

	// 3. 路由和后台组件
	mux := http.NewServeMux()
	run, err := info.Setup(AppCtx{Mux: mux, Nacos: namingClient})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info().Int("port", info.Port).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
		}
		return nil
	})
	if run != nil {
		g.Go(func() error { return run(gctx) })
	}

	// 4. 注册到 Nacos
	self := nacos.Instance{Service: info.ServiceName, Port: info.Port}
	if namingClient != nil {
		self.IP, err = outboundIP()
		if err == nil {
			err = namingClient.Register(self)
		}
		if err != nil {
			stop()
			_ = server.Close()
			_ = g.Wait()
			return fmt.Errorf("failed to register service with nacos: %w", err)
		}
	}

	// 5. 优雅关停：先注销，再停 HTTP，最后等待后台组件退出
	g.Go(func() error {
		<-gctx.Done()
		logger.L().Info().Msgf("Shutting down service %s...", info.ServiceName)
		if namingClient != nil {
			if err := namingClient.Deregister(self); err != nil {
				logger.L().Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.L().Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return err
}

// outboundIP 本机对外通信使用的地址，UDP "连接" 不会真正发包
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
