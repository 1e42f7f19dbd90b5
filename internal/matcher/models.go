package matcher

import (
	"regexp"
	"time"
)

// Category 威胁类别（封闭集合）
type Category string

const (
	CategoryMalware     Category = "malware"
	CategoryExploit     Category = "exploit"
	CategorySuspicious  Category = "suspicious"
	CategoryBackdoor    Category = "backdoor"
	CategoryCryptoMiner Category = "crypto_miner"
	CategoryPhishing    Category = "phishing"
	CategoryRansomware  Category = "ransomware"
	CategoryCustom      Category = "custom"
)

// Severity 严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight 各级别固定威胁权重，用于累加威胁评分
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 4
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 0
	}
}

// rank 用于排序的严重度序（越大越严重）
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// MatcherKind 规则匹配器种类：封闭的带标签变体，
// 新种类必须显式添加并在 evaluate 中补分支
type MatcherKind string

const (
	MatchLiteral MatcherKind = "literal" // 字面量子串
	MatchRegex   MatcherKind = "regex"   // 正则（RE2，无回溯）
	MatchBytes   MatcherKind = "bytes"   // 原始字节序列
)

// RuleSpec 注册规则时的输入
type RuleSpec struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Category Category    `json:"category"`
	Severity Severity    `json:"severity"`
	Kind     MatcherKind `json:"kind"`
	Pattern  string      `json:"pattern"`        // literal/regex 的模式
	Bytes    []byte      `json:"bytes,omitempty"` // bytes 的模式
	Weight   float64     `json:"weight"`          // 命中置信度 (0-1]
}

// Rule 注册后的不可变规则
type Rule struct {
	ID       string
	Name     string
	Category Category
	Severity Severity
	Kind     MatcherKind
	Pattern  string
	Bytes    []byte
	Weight   float64

	re *regexp.Regexp // regex 规则的预编译结果
}

// PatternMatch 单条命中记录，只读
type PatternMatch struct {
	RuleID     string   `json:"rule_id"`
	RuleName   string   `json:"rule_name"`
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Offset     int      `json:"offset"`
	Length     int      `json:"length"`
	Confidence float64  `json:"confidence"`
	Context    string   `json:"context"` // 命中点前后的有界片段
}

// ScanResult 一次扫描的结果
type ScanResult struct {
	Matches     []PatternMatch `json:"matches"`
	ThreatScore int            `json:"threat_score"` // 严重度权重求和，饱和于100
	ScanTimeMS  int64          `json:"scan_time_ms"`
	TimedOut    bool           `json:"timed_out"` // 超出时间预算时为部分结果
}

// StreamEvent 流式扫描的增量输出；Completed=true 为终止标记
type StreamEvent struct {
	Progress  float64        `json:"progress"` // 0-1
	Matches   []PatternMatch `json:"matches,omitempty"`
	Completed bool           `json:"completed"`
	TimedOut  bool           `json:"timed_out,omitempty"`
}

// 威胁评分饱和上限
const threatScoreCeiling = 100

// 命中上下文片段的单侧窗口
const contextWindow = 20

// 流式扫描的跨块重叠窗口；跨越分块边界的签名在后一块内补报，
// 长于该窗口的命中仍可能被切断
const streamOverlap = 512

// DefaultScanBudget 默认扫描时间预算
const DefaultScanBudget = 10 * time.Second
