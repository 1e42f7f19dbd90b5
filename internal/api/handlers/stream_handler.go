package handlers

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
)

// StreamHandler WebSocket 流式分析。客户端发一条请求消息，
// 服务端推送增量进度，最后一条带完整报告。
type StreamHandler struct {
	engine   *analysis.Engine
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler 创建流式分析处理器
func NewStreamHandler(engine *analysis.Engine, logger *logrus.Logger) *StreamHandler {
	return &StreamHandler{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
	}
}

// streamRequest 客户端的首条消息
type streamRequest struct {
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	ChunkSize     int    `json:"chunk_size"`
	RunSandbox    bool   `json:"run_sandbox"`
	ExtractIOCs   bool   `json:"extract_iocs"`
}

// streamError 推给客户端的错误消息
type streamError struct {
	Error string `json:"error"`
}

// HandleAnalyze 处理一次流式分析会话
// GET /ws/analyze
func (h *StreamHandler) HandleAnalyze(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	var req streamRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to read stream request")
		conn.WriteJSON(streamError{Error: "invalid request message"})
		return
	}

	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			conn.WriteJSON(streamError{Error: "invalid base64 content"})
			return
		}
		content = data
	}
	if len(content) == 0 {
		conn.WriteJSON(streamError{Error: "content must not be empty"})
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	opts := analysis.DefaultOptions()
	opts.ExtractIOCs = req.ExtractIOCs
	opts.RunSandbox = req.RunSandbox

	h.logger.WithFields(logrus.Fields{
		"size_bytes": len(content),
		"chunk_size": chunkSize,
	}).Info("Streaming analysis started")

	// WebSocket 连接不允许并发写
	var writeMu sync.Mutex
	send := func(update analysis.StreamUpdate) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(update); err != nil {
			h.logger.WithError(err).Warn("Failed to push stream update")
		}
	}

	_, err = h.engine.AnalyzeStream(c.Request.Context(), bytes.NewReader(content), chunkSize, opts, send)
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(streamError{Error: err.Error()})
		writeMu.Unlock()
		return
	}

	// 终报已在 Completed 更新中推送，正常关闭即可
	writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis complete"))
	writeMu.Unlock()
}
