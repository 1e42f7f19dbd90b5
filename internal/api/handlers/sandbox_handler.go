package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/middleware"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
)

// SandboxHandler 沙箱环境管理
type SandboxHandler struct {
	manager *sandbox.Manager
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger
}

// NewSandboxHandler 创建沙箱处理器实例
func NewSandboxHandler(manager *sandbox.Manager, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *SandboxHandler {
	return &SandboxHandler{
		manager: manager,
		metrics: metrics,
		logger:  logger,
	}
}

// CreateEnvironment 创建隔离执行环境
// POST /api/v1/sandboxes
func (h *SandboxHandler) CreateEnvironment(c *gin.Context) {
	policy := sandbox.DefaultPolicy()
	// 请求体可选，空体用默认策略
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&policy); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy: " + err.Error()})
			return
		}
	}

	id := h.manager.CreateEnvironment(policy)
	h.metrics.UpdateSandboxEnvCount(len(h.manager.ListEnvironments()))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// ExecuteRequest 沙箱执行请求
type ExecuteRequest struct {
	Code       string `json:"code"`
	CodeBase64 string `json:"code_base64"`
}

// Execute 在指定环境中执行样本代码
// POST /api/v1/sandboxes/:id/execute
func (h *SandboxHandler) Execute(c *gin.Context) {
	envID := c.Param("id")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	code := []byte(req.Code)
	if req.CodeBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.CodeBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 code"})
			return
		}
		code = data
	}

	result, err := h.manager.Execute(c.Request.Context(), envID, code, nil)
	if err != nil {
		h.metrics.RecordSandboxExecution("error")
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	status := "failure"
	if result.Success {
		status = "success"
	}
	h.metrics.RecordSandboxExecution(status)
	for _, ev := range result.Events {
		h.metrics.RecordSecurityEvent(ev.Type, string(ev.Severity))
	}

	c.JSON(http.StatusOK, result)
}

// ListEnvironments 按创建时间列出全部环境
// GET /api/v1/sandboxes
func (h *SandboxHandler) ListEnvironments(c *gin.Context) {
	envs := h.manager.ListEnvironments()
	c.JSON(http.StatusOK, gin.H{
		"total":        len(envs),
		"environments": envs,
	})
}

// GetEnvironment 查询单个环境状态
// GET /api/v1/sandboxes/:id
func (h *SandboxHandler) GetEnvironment(c *gin.Context) {
	status, err := h.manager.GetEnvironmentStatus(c.Param("id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// TerminateEnvironment 终止并销毁环境
// DELETE /api/v1/sandboxes/:id
func (h *SandboxHandler) TerminateEnvironment(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.TerminateEnvironment(id); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	h.metrics.UpdateSandboxEnvCount(len(h.manager.ListEnvironments()))
	c.JSON(http.StatusOK, gin.H{"id": id, "terminated": true})
}

// Pause 暂停环境执行资格
// POST /api/v1/sandboxes/:id/pause
func (h *SandboxHandler) Pause(c *gin.Context) {
	if err := h.manager.Pause(c.Param("id")); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Resume 恢复环境执行资格
// POST /api/v1/sandboxes/:id/resume
func (h *SandboxHandler) Resume(c *gin.Context) {
	if err := h.manager.Resume(c.Param("id")); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

// Snapshot 对环境做状态快照
// POST /api/v1/sandboxes/:id/snapshot
func (h *SandboxHandler) Snapshot(c *gin.Context) {
	snapshotID, err := h.manager.SnapshotEnvironment(c.Param("id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot_id": snapshotID})
}

// Restore 从快照恢复出新环境
// POST /api/v1/sandboxes/restore/:snapshot_id
func (h *SandboxHandler) Restore(c *gin.Context) {
	envID, err := h.manager.RestoreSnapshot(c.Param("snapshot_id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	h.metrics.UpdateSandboxEnvCount(len(h.manager.ListEnvironments()))
	c.JSON(http.StatusCreated, gin.H{"id": envID})
}
