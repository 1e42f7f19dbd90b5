package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/matcher"
	"github.com/radicalkjax/Athena-sub009/internal/middleware"
)

// RuleHandler 检测规则管理
type RuleHandler struct {
	matcher *matcher.Matcher
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger
}

// NewRuleHandler 创建规则处理器实例
func NewRuleHandler(m *matcher.Matcher, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{
		matcher: m,
		metrics: metrics,
		logger:  logger,
	}
}

// ruleView 对外展示的规则字段（不暴露预编译正则）
type ruleView struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Category matcher.Category    `json:"category"`
	Severity matcher.Severity    `json:"severity"`
	Kind     matcher.MatcherKind `json:"kind"`
	Pattern  string              `json:"pattern,omitempty"`
	Weight   float64             `json:"weight"`
}

// ListRules 获取全部已注册规则
// GET /api/v1/rules
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules := h.matcher.Rules()
	views := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, ruleView{
			ID:       r.ID,
			Name:     r.Name,
			Category: r.Category,
			Severity: r.Severity,
			Kind:     r.Kind,
			Pattern:  r.Pattern,
			Weight:   r.Weight,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"total": len(views),
		"rules": views,
	})
}

// CreateRule 注册自定义规则
// POST /api/v1/rules
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var spec matcher.RuleSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := h.matcher.AddRule(spec); err != nil {
		h.logger.WithError(err).WithField("rule_id", spec.ID).Warn("Failed to add rule")
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.metrics.UpdateRuleCount(h.matcher.RuleCount())
	h.logger.WithFields(logrus.Fields{
		"rule_id":  spec.ID,
		"category": spec.Category,
		"severity": spec.Severity,
	}).Info("Custom rule registered")

	c.JSON(http.StatusCreated, gin.H{"id": spec.ID})
}

// DeleteRule 移除规则
// DELETE /api/v1/rules/:id
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := h.matcher.RemoveRule(id); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	h.metrics.UpdateRuleCount(h.matcher.RuleCount())
	c.JSON(http.StatusOK, gin.H{"id": id, "removed": true})
}
