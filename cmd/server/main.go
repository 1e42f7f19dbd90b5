package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
	"github.com/radicalkjax/Athena-sub009/internal/api"
	"github.com/radicalkjax/Athena-sub009/internal/config"
	"github.com/radicalkjax/Athena-sub009/internal/deobfuscator"
	"github.com/radicalkjax/Athena-sub009/internal/errs"
	"github.com/radicalkjax/Athena-sub009/internal/matcher"
	"github.com/radicalkjax/Athena-sub009/internal/middleware"
	"github.com/radicalkjax/Athena-sub009/internal/queue"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
	"github.com/radicalkjax/Athena-sub009/internal/watcher"
	"github.com/radicalkjax/Athena-sub009/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("Malware Analysis Engine - Go Version\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting Malware Analysis Engine %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 组装分析引擎
	sandboxMode := sandbox.ModeEnforce
	if cfg.Sandbox.Mode == string(sandbox.ModeObserve) {
		sandboxMode = sandbox.ModeObserve
	}
	sandboxMgr := sandbox.NewManager(sandboxMode, logger)
	ruleMatcher := matcher.NewMatcher(logger)
	engine := analysis.NewEngine(deobfuscator.New(logger), ruleMatcher, sandboxMgr, logger)

	logger.WithFields(logrus.Fields{
		"sandbox_mode":  sandboxMode,
		"builtin_rules": ruleMatcher.RuleCount(),
	}).Info("Analysis engine initialized")

	// 5. Prometheus 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "")
	promMetrics.UpdateRuleCount(ruleMatcher.RuleCount())

	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 6. Worker Pool
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, engine, logger)
	pool.Start(rootCtx)
	promMetrics.UpdateWorkerPoolStats(pool.Size(), pool.GetQueueSize())
	logger.WithField("workers", cfg.Worker.Concurrency).Info("Worker pool started")

	// 7. 规则热加载（配置了监视目录才启用）
	var ruleWatcher *watcher.RuleWatcher
	if cfg.Rules.WatchDir != "" {
		ruleWatcher, err = watcher.NewRuleWatcher(cfg.Rules.WatchDir, ruleMatcher, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create rule watcher")
		}
		if err := ruleWatcher.Start(rootCtx); err != nil {
			logger.WithError(err).Fatal("Failed to start rule watcher")
		}
		defer ruleWatcher.Stop()
		logger.WithField("watch_dir", cfg.Rules.WatchDir).Info("Rule hot-reload enabled")
	}

	// 8. RabbitMQ 任务消费（可选）
	var consumer *queue.Consumer
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(&queue.Config{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}, cfg.RabbitMQ.Queue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to RabbitMQ")
		}
		defer mq.Close()

		handler := queueJobHandler(engine, pool, promMetrics, logger)
		consumer = queue.NewConsumer(mq, handler, cfg.Worker.Concurrency, logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.WithError(err).Fatal("Failed to start queue consumer")
		}
		defer consumer.Stop()
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("Queue consumer started")
	}

	// 9. HTTP 服务
	router := api.SetupRouter(cfg, logger, engine, pool, memMonitor, promMetrics)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 10. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	rootCancel()
	pool.Stop()
	sandboxMgr.Shutdown()
	logger.Info("Malware Analysis Engine stopped")
}

// queueJobHandler 把队列消息转为 worker pool 任务。
// 结果只记日志与指标，不落库。
func queueJobHandler(engine *analysis.Engine, pool *worker.Pool, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) queue.JobHandler {
	return func(ctx context.Context, msg *queue.JobMessage) error {
		content, err := base64.StdEncoding.DecodeString(msg.ContentBase64)
		if err != nil {
			return errs.Wrap(errs.KindInvalidInput, "invalid base64 content", err)
		}

		opts := analysis.DefaultOptions()
		opts.ExtractIOCs = msg.ExtractIOCs
		opts.RunSandbox = msg.RunSandbox

		taskID := msg.JobID
		if taskID == "" {
			taskID = uuid.New().String()
		}

		start := time.Now()
		task := &worker.Task{ID: taskID, Content: content, Options: opts}
		if err := pool.SubmitAndWait(ctx, task); err != nil {
			metrics.RecordAnalysis("error", time.Since(start), 0, 0)
			return err
		}

		report := pool.Result(taskID)
		layers := 0
		if report.Deobfuscation != nil {
			layers = len(report.Deobfuscation.Layers)
		}
		metrics.RecordAnalysis("ok", time.Since(start), report.ThreatScore, layers)

		logger.WithFields(logrus.Fields{
			"job_id":       msg.JobID,
			"source":       msg.Source,
			"threat_score": report.ThreatScore,
			"findings":     len(report.Findings),
			"severity":     report.OverallSeverity,
		}).Info("Queued analysis job finished")
		return nil
	}
}
