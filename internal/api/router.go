package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
	"github.com/radicalkjax/Athena-sub009/internal/api/handlers"
	"github.com/radicalkjax/Athena-sub009/internal/config"
	"github.com/radicalkjax/Athena-sub009/internal/middleware"
	"github.com/radicalkjax/Athena-sub009/internal/worker"
)

func SetupRouter(cfg *config.Config, logger *logrus.Logger, engine *analysis.Engine, pool *worker.Pool, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 初始化处理器
	analysisHandler := handlers.NewAnalysisHandler(engine, pool, promMetrics, logger)
	ruleHandler := handlers.NewRuleHandler(engine.Matcher(), promMetrics, logger)
	sandboxHandler := handlers.NewSandboxHandler(engine.Sandbox(), promMetrics, logger)
	streamHandler := handlers.NewStreamHandler(engine, logger)

	// WebSocket 流式分析
	r.GET("/ws/analyze", streamHandler.HandleAnalyze)

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics", promMetrics.Handler())
	}

	// 内存监控端点
	if memMonitor != nil {
		r.GET("/metrics/memory", memMonitor.MetricsEndpoint())
	}

	// API v1
	v1 := r.Group("/api/v1")
	{
		// 健康检查
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": "1.0.0",
			})
		})

		// 系统统计
		v1.GET("/stats", analysisHandler.GetStats)

		// 分析流水线
		v1.POST("/analyze", analysisHandler.Analyze)
		v1.POST("/analyze/batch", analysisHandler.AnalyzeBatch)
		v1.POST("/scan", analysisHandler.Scan)
		v1.POST("/deobfuscate", analysisHandler.Deobfuscate)

		// 检测规则管理
		v1.GET("/rules", ruleHandler.ListRules)
		v1.POST("/rules", ruleHandler.CreateRule)
		v1.DELETE("/rules/:id", ruleHandler.DeleteRule)

		// 沙箱环境管理
		v1.POST("/sandboxes", sandboxHandler.CreateEnvironment)
		v1.GET("/sandboxes", sandboxHandler.ListEnvironments)
		v1.POST("/sandboxes/restore/:snapshot_id", sandboxHandler.Restore)
		v1.GET("/sandboxes/:id", sandboxHandler.GetEnvironment)
		v1.DELETE("/sandboxes/:id", sandboxHandler.TerminateEnvironment)
		v1.POST("/sandboxes/:id/execute", sandboxHandler.Execute)
		v1.POST("/sandboxes/:id/pause", sandboxHandler.Pause)
		v1.POST("/sandboxes/:id/resume", sandboxHandler.Resume)
		v1.POST("/sandboxes/:id/snapshot", sandboxHandler.Snapshot)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
