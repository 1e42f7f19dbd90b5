package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免指标冲突
	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

// 测试指标初始化
func TestPrometheusMetricsInitialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.analysesTotal)
	assert.NotNil(t, pm.threatScore)
	assert.NotNil(t, pm.sandboxExecutions)
	assert.NotNil(t, pm.rulesTotal)
}

// 测试 HTTP 中间件不影响请求处理
func TestHTTPMiddlewarePassthrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pm := setupTestMetrics(t)

	r := gin.New()
	r.Use(pm.HTTPMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// 测试记录函数不 panic（promauto 注册过的指标可安全写入）
func TestRecordFunctions(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordAnalysis("success", 120*time.Millisecond, 42, 2)
	pm.RecordFinding("critical")
	pm.RecordDeobfuscation("success")
	pm.RecordSandboxExecution("failed")
	pm.RecordSecurityEvent("syscall_blocked", "high")
	pm.UpdateSandboxEnvCount(3)
	pm.UpdateRuleCount(23)
	pm.UpdateWorkerPoolStats(4, 10)
}
