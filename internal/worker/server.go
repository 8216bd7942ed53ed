package worker

import (
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"vault-cosigner/internal/worker/tasks"
	"vault-cosigner/pkg/logger"
)

// 队列名称
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

// Server 封装 Asynq Server (Worker)
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer 初始化 Worker Server
func NewServer(addr string, password string, db int, concurrency int, resume *tasks.ResumeHandler) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     addr,
			Password: password,
			DB:       db,
		},
		asynq.Config{
			// 并发数：同时处理多少个 run
			Concurrency: concurrency,
			// 队列优先级
			Queues: map[string]int{
				QueueCritical: 6, // 崩溃恢复
				QueueDefault:  3,
			},
			// 错误日志处理
			Logger: logger.NewAsynqLogger(),
		},
	)

	mux := NewServeMux(resume)

	return &Server{
		server: srv,
		mux:    mux,
	}
}

// NewServeMux 注册任务处理器
func NewServeMux(resume *tasks.ResumeHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeResumeRun, resume)
	return mux
}

// Start 非阻塞启动
func (s *Server) Start() {
	logger.Info("Worker Server starting...")
	go func() {
		if err := s.server.Run(s.mux); err != nil {
			logger.Fatal("Worker Server failed", zap.Error(err))
		}
	}()
}

// Stop 停止 Worker
func (s *Server) Stop() {
	s.server.Stop()
	s.server.Shutdown()
}
