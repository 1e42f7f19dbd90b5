package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/deobfuscator"
	"github.com/radicalkjax/Athena-sub009/internal/errs"
	"github.com/radicalkjax/Athena-sub009/internal/matcher"
	"github.com/radicalkjax/Athena-sub009/internal/sandbox"
)

// Engine 分析编排器：解混淆 → 原始与还原内容双路扫描 →
// 按需沙箱执行，合并为单份报告。各阶段可独立调用，
// 编排只是组合，不引入隐藏依赖。
type Engine struct {
	deob    *deobfuscator.Deobfuscator
	matcher *matcher.Matcher
	sandbox *sandbox.Manager
	logger  *logrus.Logger
}

// NewEngine 在进程启动时构造一次，显式传递到各调用点
func NewEngine(d *deobfuscator.Deobfuscator, m *matcher.Matcher, sb *sandbox.Manager, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{deob: d, matcher: m, sandbox: sb, logger: logger}
}

// Matcher 暴露规则集供服务层注册自定义规则
func (e *Engine) Matcher() *matcher.Matcher { return e.matcher }

// Sandbox 暴露沙箱管理器供服务层直接操作环境
func (e *Engine) Sandbox() *sandbox.Manager { return e.sandbox }

// Deobfuscator 暴露解混淆引擎
func (e *Engine) Deobfuscator() *deobfuscator.Deobfuscator { return e.deob }

// 批量分析的并发度
const batchConcurrency = 4

// Analyze 完整分析流水线。解混淆硬失败不中止扫描：
// 原始内容仍然可扫，失败降级为报告警告。
func (e *Engine) Analyze(ctx context.Context, content []byte, opts Options) (*Report, error) {
	if len(content) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "content must not be empty")
	}
	start := time.Now()

	hash := sha256.Sum256(content)
	report := &Report{
		ID: uuid.New().String(),
		Metadata: Metadata{
			SHA256:     hex.EncodeToString(hash[:]),
			SizeBytes:  len(content),
			AnalyzedAt: start,
		},
	}

	// 阶段一：检测与解混淆
	text := string(content)
	report.Detection = e.deob.Detect(text)

	cfg := deobfuscator.DefaultConfig()
	if opts.Deobfuscate != nil {
		cfg = *opts.Deobfuscate
	}
	deobResult := e.deob.Deobfuscate(ctx, text, cfg)
	report.Deobfuscation = deobResult
	report.Warnings = append(report.Warnings, deobResult.Warnings...)
	if !deobResult.Success && deobResult.Error != "" {
		report.Warnings = append(report.Warnings, "deobfuscation failed: "+deobResult.Error)
	}

	// 阶段二：双路扫描与合并
	rawScan := e.matcher.Scan(ctx, content, opts.ScanBudget)
	report.Findings = tagMatches(rawScan.Matches, ProvenanceRaw)
	if rawScan.TimedOut {
		report.Warnings = append(report.Warnings, "raw content scan hit its time budget, results are partial")
	}

	recovered := []byte(deobResult.Deobfuscated)
	if len(deobResult.Layers) > 0 && !bytes.Equal(recovered, content) {
		deobScan := e.matcher.Scan(ctx, recovered, opts.ScanBudget)
		report.Findings = mergeFindings(report.Findings, deobScan.Matches)
		if deobScan.TimedOut {
			report.Warnings = append(report.Warnings, "deobfuscated content scan hit its time budget, results are partial")
		}
	}
	report.ThreatScore = scoreFindings(report.Findings)

	// 阶段三：IOC 抽取（对还原后的内容，层层剥离后指标才可见）
	if opts.ExtractIOCs {
		report.IOCs = e.deob.ExtractIOCs(deobResult.Deobfuscated)
	}

	// 阶段四：按需沙箱执行
	if opts.RunSandbox {
		if err := e.runSandbox(ctx, recovered, opts, report); err != nil {
			return nil, err
		}
	}

	report.OverallSeverity = overallSeverity(report)
	report.Metadata.DurationMS = time.Since(start).Milliseconds()

	e.logger.WithFields(logrus.Fields{
		"report_id":    report.ID,
		"sha256":       report.Metadata.SHA256[:12],
		"findings":     len(report.Findings),
		"threat_score": report.ThreatScore,
		"severity":     string(report.OverallSeverity),
		"layers":       len(deobResult.Layers),
		"duration_ms":  report.Metadata.DurationMS,
	}).Info("Analysis completed")
	return report, nil
}

// runSandbox 单次分析的一次性环境：创建、执行、销毁
func (e *Engine) runSandbox(ctx context.Context, code []byte, opts Options, report *Report) error {
	policy := sandbox.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	envID := e.sandbox.CreateEnvironment(policy)
	defer func() {
		if err := e.sandbox.TerminateEnvironment(envID); err != nil {
			e.logger.WithError(err).WithField("env_id", envID).Warn("Sandbox environment cleanup failed")
		}
	}()

	result, err := e.sandbox.Execute(ctx, envID, code, nil)
	if err != nil {
		return err
	}
	report.Sandbox = result
	return nil
}

// AnalyzeStream 从 reader 分块读取并增量分析。
// 每块独立走解混淆与扫描，增量命中通过 updates 回调送出，
// 末尾一次 Completed=true 携带聚合终报。
func (e *Engine) AnalyzeStream(ctx context.Context, r io.Reader, chunkSize int, opts Options, updates func(StreamUpdate)) (*Report, error) {
	if chunkSize <= 0 {
		chunkSize = deobfuscator.DefaultChunkSize
	}

	content, err := io.ReadAll(io.LimitReader(r, maxStreamBytes+1))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "reading analysis stream", err)
	}
	if len(content) > maxStreamBytes {
		return nil, errs.Newf(errs.KindInvalidInput, "stream exceeds %d byte cap", maxStreamBytes)
	}
	if len(content) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "content must not be empty")
	}

	total := len(content)
	for offset := 0; offset < total; offset += chunkSize {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindTimeoutExceeded, "streaming analysis cancelled", ctx.Err())
		}
		end := offset + chunkSize
		if end > total {
			end = total
		}
		chunkScan := e.matcher.Scan(ctx, content[offset:end], opts.ScanBudget)
		findings := make([]Finding, 0, len(chunkScan.Matches))
		for _, pm := range chunkScan.Matches {
			pm.Offset += offset
			findings = append(findings, Finding{PatternMatch: pm, Provenance: ProvenanceRaw})
		}
		if updates != nil {
			updates(StreamUpdate{
				Stage:    "scan",
				Progress: float64(end) / float64(total),
				Findings: findings,
			})
		}
	}

	report, err := e.Analyze(ctx, content, opts)
	if err != nil {
		return nil, err
	}
	if updates != nil {
		updates(StreamUpdate{Stage: "done", Progress: 1, Completed: true, Report: report})
	}
	return report, nil
}

const maxStreamBytes = 64 * 1024 * 1024

// AnalyzeBatch 批量分析，单项隔离：一项失败不中止整批。
// 结果顺序与输入顺序一致。
func (e *Engine) AnalyzeBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id := it.ID
			if id == "" {
				id = uuid.New().String()
			}
			report, err := e.Analyze(ctx, it.Content, it.Options)
			if err != nil {
				e.logger.WithError(err).WithField("item_id", id).Warn("Batch item analysis failed")
				results[idx] = BatchResult{ID: id, Error: err.Error()}
				return
			}
			results[idx] = BatchResult{ID: id, Report: report}
		}(i, item)
	}
	wg.Wait()
	return results
}

// tagMatches 给命中打来源标
func tagMatches(matches []matcher.PatternMatch, prov Provenance) []Finding {
	out := make([]Finding, 0, len(matches))
	for _, pm := range matches {
		out = append(out, Finding{PatternMatch: pm, Provenance: prov})
	}
	return out
}

// mergeFindings 合并解混淆路的命中。坐标无法映射回原始空间时
// 以来源标保留双份；(rule_id, offset) 与原始路完全重合的条目去重。
func mergeFindings(raw []Finding, deob []matcher.PatternMatch) []Finding {
	type key struct {
		ruleID string
		offset int
	}
	seen := make(map[key]bool, len(raw))
	for _, f := range raw {
		seen[key{f.RuleID, f.Offset}] = true
	}
	out := raw
	for _, pm := range deob {
		if seen[key{pm.RuleID, pm.Offset}] {
			continue
		}
		out = append(out, Finding{PatternMatch: pm, Provenance: ProvenanceDeobfuscated})
	}
	return out
}

// scoreFindings 与单路扫描同一口径：严重度权重求和，饱和于100
func scoreFindings(findings []Finding) int {
	score := 0
	for _, f := range findings {
		score += f.Severity.Weight()
		if score >= 100 {
			return 100
		}
	}
	return score
}

// overallSeverity 取命中与沙箱事件的最高严重度，从不向下平均
func overallSeverity(report *Report) matcher.Severity {
	best := matcher.Severity("")
	bestRank := -1

	rank := map[matcher.Severity]int{
		matcher.SeverityLow:      0,
		matcher.SeverityMedium:   1,
		matcher.SeverityHigh:     2,
		matcher.SeverityCritical: 3,
	}
	for _, f := range report.Findings {
		if r, ok := rank[f.Severity]; ok && r > bestRank {
			bestRank = r
			best = f.Severity
		}
	}
	if report.Sandbox != nil {
		eventRank := map[sandbox.EventSeverity]matcher.Severity{
			sandbox.EventSeverityLow:      matcher.SeverityLow,
			sandbox.EventSeverityMedium:   matcher.SeverityMedium,
			sandbox.EventSeverityHigh:     matcher.SeverityHigh,
			sandbox.EventSeverityCritical: matcher.SeverityCritical,
		}
		for _, ev := range report.Sandbox.Events {
			sev, ok := eventRank[ev.Severity]
			if !ok {
				continue
			}
			if r := rank[sev]; r > bestRank {
				bestRank = r
				best = sev
			}
		}
	}
	return best
}
