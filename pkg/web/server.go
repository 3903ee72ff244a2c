package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/web/middleware"
	"github.com/lk2023060901/threatrelay/pkg/web/validator"
)

// Server Web 服务核心结构
type Server struct {
	engine *gin.Engine
	config *Config
	logger logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// ServerOption Server 选项
type ServerOption func(*serverOptions)

type serverOptions struct {
	reporter     middleware.PanicReporter
	middlewares  []gin.HandlerFunc
	logSkipPaths []string
}

// WithPanicReporter 设置 panic 上报函数
func WithPanicReporter(fn middleware.PanicReporter) ServerOption {
	return func(o *serverOptions) { o.reporter = fn }
}

// WithMiddleware 追加中间件，在基础中间件之后执行
func WithMiddleware(handlers ...gin.HandlerFunc) ServerOption {
	return func(o *serverOptions) { o.middlewares = append(o.middlewares, handlers...) }
}

// WithLogSkipPaths 不记录访问日志的路径，例如 /health
func WithLogSkipPaths(paths ...string) ServerOption {
	return func(o *serverOptions) { o.logSkipPaths = append(o.logSkipPaths, paths...) }
}

// NewServer 创建 Web 服务
func NewServer(cfg *Config, l logger.Logger, opts ...ServerOption) (*Server, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	gin.SetMode(newCfg.Mode)
	validator.Init()
	engine := gin.New()

	// 基础中间件
	engine.Use(
		middleware.RequestID(),
		middleware.Tracing(newCfg.ServiceName),
		middleware.Logger(l.Named("web.access"), o.logSkipPaths...),
		middleware.Recovery(l.Named("web.recovery"), o.reporter),
		middleware.Metrics(),
	)
	engine.Use(o.middlewares...)

	return &Server{
		engine: engine,
		config: newCfg,
		logger: l.Named("web.server"),
	}, nil
}

// Router 返回 Gin 引擎，用于注册路由
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Handler 返回 http.Handler 接口
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr 返回实际监听地址，未启动时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start 监听端口并在后台提供服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerAlreadyStarted
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	srv := s.server
	go func() {
		var err error
		if s.config.EnableTLS {
			s.logger.Info("starting https server", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			s.logger.Info("starting http server", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped unexpectedly", "error", err)
		}
	}()

	return nil
}

// Stop 优雅关闭，等待进行中的请求完成
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return ErrServerNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server exited")
	return nil
}

// Run 启动服务并阻塞到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
