package handlers

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
	"github.com/radicalkjax/Athena-sub009/internal/deobfuscator"
	"github.com/radicalkjax/Athena-sub009/internal/errs"
	"github.com/radicalkjax/Athena-sub009/internal/middleware"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
	"github.com/radicalkjax/Athena-sub009/internal/worker"
)

// AnalysisHandler 分析处理器
type AnalysisHandler struct {
	engine  *analysis.Engine
	pool    *worker.Pool
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger
}

// NewAnalysisHandler 创建分析处理器实例
func NewAnalysisHandler(engine *analysis.Engine, pool *worker.Pool, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		engine:  engine,
		pool:    pool,
		metrics: metrics,
		logger:  logger,
	}
}

// AnalyzeRequest 完整分析请求。Content 与 ContentBase64 二选一，
// 二进制样本用 base64。
type AnalyzeRequest struct {
	Content       string                   `json:"content"`
	ContentBase64 string                   `json:"content_base64"`
	MaxLayers     int                      `json:"max_layers"`
	TimeoutMS     int64                    `json:"timeout_ms"`
	ExtractIOCs   *bool                    `json:"extract_iocs"`
	RunSandbox    bool                     `json:"run_sandbox"`
	Policy        *sandbox.ExecutionPolicy `json:"policy"`
}

func (r *AnalyzeRequest) decode() ([]byte, error) {
	if r.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(r.ContentBase64)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, "invalid base64 content", err)
		}
		return data, nil
	}
	return []byte(r.Content), nil
}

func (r *AnalyzeRequest) options() analysis.Options {
	opts := analysis.DefaultOptions()
	if r.ExtractIOCs != nil {
		opts.ExtractIOCs = *r.ExtractIOCs
	}
	opts.RunSandbox = r.RunSandbox
	opts.Policy = r.Policy
	if r.MaxLayers > 0 || r.TimeoutMS > 0 {
		cfg := deobfuscator.DefaultConfig()
		if r.MaxLayers > 0 {
			cfg.MaxLayers = r.MaxLayers
		}
		if r.TimeoutMS > 0 {
			cfg.TimeoutMS = r.TimeoutMS
		}
		opts.Deobfuscate = &cfg
	}
	return opts
}

// Analyze 提交完整分析（解混淆 + 规则扫描 + 可选沙箱执行）
// POST /api/v1/analyze
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	content, err := req.decode()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	task := &worker.Task{
		ID:      uuid.New().String(),
		Content: content,
		Options: req.options(),
	}

	if err := h.pool.SubmitAndWait(c.Request.Context(), task); err != nil {
		h.recordAnalysis("error", start, nil)
		h.logger.WithError(err).Warn("Analysis request failed")
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	report := h.pool.Result(task.ID)
	h.recordAnalysis("ok", start, report)
	c.JSON(http.StatusOK, report)
}

// BatchAnalyzeRequest 批量分析请求
type BatchAnalyzeRequest struct {
	Items []struct {
		ID            string `json:"id"`
		Content       string `json:"content"`
		ContentBase64 string `json:"content_base64"`
	} `json:"items" binding:"required"`
	RunSandbox  bool `json:"run_sandbox"`
	ExtractIOCs bool `json:"extract_iocs"`
}

// AnalyzeBatch 批量分析，单项失败不中止整批
// POST /api/v1/analyze/batch
func (h *AnalysisHandler) AnalyzeBatch(c *gin.Context) {
	var req BatchAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items must not be empty"})
		return
	}

	opts := analysis.DefaultOptions()
	opts.ExtractIOCs = req.ExtractIOCs
	opts.RunSandbox = req.RunSandbox

	items := make([]analysis.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		content := []byte(it.Content)
		if it.ContentBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(it.ContentBase64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 content in item " + it.ID})
				return
			}
			content = data
		}
		items = append(items, analysis.BatchItem{ID: it.ID, Content: content, Options: opts})
	}

	results := h.engine.AnalyzeBatch(c.Request.Context(), items)
	c.JSON(http.StatusOK, gin.H{
		"total":   len(results),
		"results": results,
	})
}

// ScanRequest 规则扫描请求。Pattern 非空时走临时正则搜索，
// 否则对全部已注册规则扫描。
type ScanRequest struct {
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	Pattern       string `json:"pattern"`
	Flags         string `json:"flags"`
	BudgetMS      int64  `json:"budget_ms"`
}

// Scan 规则/正则扫描（不做解混淆）
// POST /api/v1/scan
func (h *AnalysisHandler) Scan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 content"})
			return
		}
		content = data
	}
	if len(content) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty"})
		return
	}

	m := h.engine.Matcher()

	if req.Pattern != "" {
		matches, err := m.SearchRegex(content, req.Pattern, req.Flags)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"matches":     matches,
			"match_count": len(matches),
		})
		return
	}

	budget := time.Duration(req.BudgetMS) * time.Millisecond
	result := m.Scan(c.Request.Context(), content, budget)
	for _, match := range result.Matches {
		h.metrics.RecordFinding(string(match.Severity))
	}
	c.JSON(http.StatusOK, result)
}

// DeobfuscateRequest 解混淆请求
type DeobfuscateRequest struct {
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	MaxLayers     int    `json:"max_layers"`
	TimeoutMS     int64  `json:"timeout_ms"`
}

// Deobfuscate 仅做混淆检测与多层解码
// POST /api/v1/deobfuscate
func (h *AnalysisHandler) Deobfuscate(c *gin.Context) {
	var req DeobfuscateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	content := req.Content
	if req.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 content"})
			return
		}
		content = string(data)
	}
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty"})
		return
	}

	cfg := deobfuscator.DefaultConfig()
	if req.MaxLayers > 0 {
		cfg.MaxLayers = req.MaxLayers
	}
	if req.TimeoutMS > 0 {
		cfg.TimeoutMS = req.TimeoutMS
	}

	d := h.engine.Deobfuscator()
	detection := d.Detect(content)
	result := d.Deobfuscate(c.Request.Context(), content, cfg)
	if result.Success {
		h.metrics.RecordDeobfuscation("success")
	} else {
		h.metrics.RecordDeobfuscation("failure")
	}

	c.JSON(http.StatusOK, gin.H{
		"detection": detection,
		"entropy":   d.AnalyzeEntropy([]byte(content)),
		"result":    result,
	})
}

// GetStats 引擎运行统计
// GET /api/v1/stats
func (h *AnalysisHandler) GetStats(c *gin.Context) {
	live := len(h.engine.Sandbox().ListEnvironments())
	c.JSON(http.StatusOK, gin.H{
		"rules":              h.engine.Matcher().RuleCount(),
		"sandbox_envs":       live,
		"worker_pool_size":   h.pool.Size(),
		"worker_queue_size":  h.pool.GetQueueSize(),
	})
}

func (h *AnalysisHandler) recordAnalysis(status string, start time.Time, report *analysis.Report) {
	score := 0
	layers := 0
	if report != nil {
		score = report.ThreatScore
		if report.Deobfuscation != nil {
			layers = len(report.Deobfuscation.Layers)
		}
		for _, f := range report.Findings {
			h.metrics.RecordFinding(string(f.Severity))
		}
	}
	h.metrics.RecordAnalysis(status, time.Since(start), score, layers)
}

// statusForError 引擎错误类别到 HTTP 状态码的映射
func statusForError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindRuleConflict:
		return http.StatusConflict
	case errs.KindTimeoutExceeded:
		return http.StatusRequestTimeout
	case errs.KindCapabilityDenied, errs.KindResourceLimitExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
