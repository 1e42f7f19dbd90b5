package deobfuscator

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/entropy"
	"github.com/radicalkjax/Athena-sub009/internal/errs"
)

// 时间预算低于该下限且嵌套层数超过软阈值时，结果附带截断警告
const (
	practicalTimeoutFloorMS = 2000
	deepNestingThreshold    = 5
)

// Deobfuscator 去混淆引擎。无跨调用可变状态，可被多goroutine并发使用。
type Deobfuscator struct {
	logger *logrus.Logger
}

// New 创建去混淆引擎
func New(logger *logrus.Logger) *Deobfuscator {
	return &Deobfuscator{logger: logger}
}

// AnalyzeEntropy 熵分析入口，窗口大小用默认值
func (d *Deobfuscator) AnalyzeEntropy(content []byte) *entropy.Result {
	return entropy.Analyze(content, entropy.DefaultWindowSize)
}

// Deobfuscate 迭代剥离混淆层：检测→解码最强技术→结果回灌，
// 直到检测不再命中、达到 MaxLayers 或耗尽时间预算。
// 顶层输入不是合法UTF-8视为硬失败，原文原样放回 Deobfuscated。
func (d *Deobfuscator) Deobfuscate(ctx context.Context, content string, cfg Config) *Result {
	start := time.Now()
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = DefaultConfig().MaxLayers
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = DefaultConfig().TimeoutMS
	}

	result := &Result{
		Deobfuscated: content,
		Layers:       []Layer{},
		Warnings:     []string{},
	}

	if content == "" {
		result.Error = errs.New(errs.KindInvalidInput, "empty input buffer").Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	if !utf8.ValidString(content) {
		result.Error = errs.New(errs.KindInvalidInput, "input is not valid UTF-8").Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	deadline := start.Add(time.Duration(cfg.TimeoutMS) * time.Millisecond)
	current := content
	timedOut := false

	for len(result.Layers) < cfg.MaxLayers {
		select {
		case <-ctx.Done():
			result.Warnings = append(result.Warnings, "deobfuscation canceled; output may be truncated")
			timedOut = true
		default:
		}
		if timedOut || time.Now().After(deadline) {
			if !timedOut {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"time budget of %dms exhausted after %d layer(s); output may be truncated", cfg.TimeoutMS, len(result.Layers)))
			}
			break
		}

		detection := d.Detect(current)
		if !detection.IsObfuscated {
			break
		}

		technique, confidence := detection.top()
		output, err := decode(technique, current)
		if err != nil {
			if len(result.Layers) == 0 {
				// 顶层解码失败即硬失败，原文保持不变
				result.Error = errs.Wrap(errs.KindInvalidInput,
					fmt.Sprintf("failed to decode %s layer", technique), err).Error()
				result.Deobfuscated = content
				result.DurationMS = time.Since(start).Milliseconds()
				d.logger.WithFields(logrus.Fields{
					"technique": technique,
					"error":     err.Error(),
				}).Warn("Top-level decode failed")
				return result
			}
			// 深层失败降级为警告，保留已剥离的层
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"layer %d: %s decode failed: %v", len(result.Layers)+1, technique, err))
			break
		}

		if output == current {
			// 解码无进展，停止以避免空转
			break
		}

		result.Layers = append(result.Layers, Layer{
			Technique:  technique,
			Input:      current,
			Output:     output,
			Confidence: confidence,
		})
		current = output

		d.logger.WithFields(logrus.Fields{
			"layer":      len(result.Layers),
			"technique":  technique,
			"confidence": confidence,
		}).Debug("Obfuscation layer removed")
	}

	if len(result.Layers) >= cfg.MaxLayers {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"max layer bound (%d) reached; content may still be obfuscated", cfg.MaxLayers))
	}
	if cfg.TimeoutMS < practicalTimeoutFloorMS && len(result.Layers) >= deepNestingThreshold {
		result.Warnings = append(result.Warnings,
			"timeout budget is below the practical floor for deeply nested content; output may be truncated")
	}

	result.Deobfuscated = current
	result.Success = len(result.Layers) > 0 || !timedOut
	if !result.Success && result.Error == "" {
		// 硬失败必须带错误描述，调用方以 Error 非空区分
		result.Error = errs.New(errs.KindTimeoutExceeded,
			"deobfuscation canceled before any layer was recovered").Error()
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}
