package analysis

import (
	"time"

	"github.com/radicalkjax/Athena-sub009/internal/deobfuscator"
	"github.com/radicalkjax/Athena-sub009/internal/matcher"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
)

// Provenance 命中来源：原始内容或解混淆后内容
type Provenance string

const (
	ProvenanceRaw          Provenance = "raw"
	ProvenanceDeobfuscated Provenance = "deobfuscated"
)

// Finding 带来源标注的规则命中
type Finding struct {
	matcher.PatternMatch
	Provenance Provenance `json:"provenance"`
}

// Metadata 报告元数据
type Metadata struct {
	SHA256     string    `json:"sha256"`
	SizeBytes  int       `json:"size_bytes"`
	AnalyzedAt time.Time `json:"analyzed_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Report 一次完整分析的聚合结果
type Report struct {
	ID             string                       `json:"id"`
	Metadata       Metadata                     `json:"metadata"`
	Detection      *deobfuscator.DetectionResult `json:"detection"`
	Deobfuscation  *deobfuscator.Result          `json:"deobfuscation,omitempty"`
	Findings       []Finding                     `json:"findings"`
	ThreatScore    int                           `json:"threat_score"`
	OverallSeverity matcher.Severity             `json:"overall_severity,omitempty"`
	IOCs           []string                      `json:"iocs,omitempty"`
	Sandbox        *sandbox.ExecutionResult      `json:"sandbox,omitempty"`
	Warnings       []string                      `json:"warnings,omitempty"`
}

// Options 单次分析的选项
type Options struct {
	// Deobfuscate 为 nil 时使用默认配置
	Deobfuscate *deobfuscator.Config `json:"deobfuscate,omitempty"`
	// ScanBudget 扫描时间预算，零值用匹配器默认
	ScanBudget time.Duration `json:"-"`
	// ExtractIOCs 控制是否抽取网络指标
	ExtractIOCs bool `json:"extract_iocs"`
	// RunSandbox 请求动态执行；Policy 为沙箱策略
	RunSandbox bool                     `json:"run_sandbox"`
	Policy     *sandbox.ExecutionPolicy `json:"policy,omitempty"`
}

// DefaultOptions 静态分析 + IOC 抽取，不动态执行
func DefaultOptions() Options {
	return Options{ExtractIOCs: true}
}

// BatchItem 批量分析的单项输入
type BatchItem struct {
	ID      string  `json:"id"`
	Content []byte  `json:"content"`
	Options Options `json:"options"`
}

// BatchResult 批量分析的单项输出；单项失败不中止整批
type BatchResult struct {
	ID     string  `json:"id"`
	Report *Report `json:"report,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// StreamUpdate 流式分析的增量通知
type StreamUpdate struct {
	Stage     string    `json:"stage"` // deobfuscate / scan / sandbox / done
	Progress  float64   `json:"progress"`
	Findings  []Finding `json:"findings,omitempty"`
	Completed bool      `json:"completed"`
	Report    *Report   `json:"report,omitempty"` // Completed=true 时携带终报
}
