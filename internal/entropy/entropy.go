package entropy

import (
	"math"
)

// DefaultWindowSize 默认滑动窗口大小 (bytes)
const DefaultWindowSize = 256

// 熵异常判定阈值：窗口熵超过该值视为疑似加密/压缩数据
const anomalyThreshold = 7.0

// Result 熵分析结果
type Result struct {
	Global    float64   `json:"global"`     // 全局香农熵 (0-8)
	Windows   []float64 `json:"windows"`    // 各窗口熵
	MaxWindow float64   `json:"max_window"` // 最大窗口熵
	MinWindow float64   `json:"min_window"` // 最小窗口熵
	Variance  float64   `json:"variance"`   // 窗口熵方差
	Anomalies []Anomaly `json:"anomalies"`  // 异常窗口
}

// Anomaly 熵异常窗口（高熵区段往往对应加密或压缩的payload）
type Anomaly struct {
	Offset  int     `json:"offset"`
	Length  int     `json:"length"`
	Entropy float64 `json:"entropy"`
	Reason  string  `json:"reason"` // high_entropy / deviation
}

// Shannon 计算字节序列的香农熵，取值 0.0（完全均匀）到 8.0（完全随机）。
// 正常代码通常在 4.5-6.5 之间，高于 7.0 多为加密/压缩数据。
func Shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	total := float64(len(data))
	var entropy float64
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / total
			entropy -= p * math.Log2(p)
		}
	}

	return entropy
}

// Normalized 返回归一化到 0-1 的熵值，便于做阈值比较
func Normalized(data []byte) float64 {
	return Shannon(data) / 8.0
}

// Analyze 按窗口切分计算熵并标记异常区段。
// windowSize <= 0 时使用 DefaultWindowSize。
func Analyze(data []byte, windowSize int) *Result {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	result := &Result{
		Global:    Shannon(data),
		Windows:   []float64{},
		Anomalies: []Anomaly{},
	}

	if len(data) == 0 {
		return result
	}

	for offset := 0; offset < len(data); offset += windowSize {
		end := offset + windowSize
		if end > len(data) {
			end = len(data)
		}
		result.Windows = append(result.Windows, Shannon(data[offset:end]))
	}

	result.MaxWindow = result.Windows[0]
	result.MinWindow = result.Windows[0]
	var sum float64
	for _, e := range result.Windows {
		sum += e
		if e > result.MaxWindow {
			result.MaxWindow = e
		}
		if e < result.MinWindow {
			result.MinWindow = e
		}
	}
	mean := sum / float64(len(result.Windows))

	var varSum float64
	for _, e := range result.Windows {
		varSum += (e - mean) * (e - mean)
	}
	result.Variance = varSum / float64(len(result.Windows))
	stddev := math.Sqrt(result.Variance)

	for i, e := range result.Windows {
		offset := i * windowSize
		length := windowSize
		if offset+length > len(data) {
			length = len(data) - offset
		}

		switch {
		case e > anomalyThreshold:
			result.Anomalies = append(result.Anomalies, Anomaly{
				Offset:  offset,
				Length:  length,
				Entropy: e,
				Reason:  "high_entropy",
			})
		case stddev > 0 && math.Abs(e-mean) > 2*stddev:
			result.Anomalies = append(result.Anomalies, Anomaly{
				Offset:  offset,
				Length:  length,
				Entropy: e,
				Reason:  "deviation",
			})
		}
	}

	return result
}
