package matcher

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/errs"
)

// Matcher 签名匹配引擎。规则注册后不可变，扫描与注册可并发。
type Matcher struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	order  []string // 按注册顺序保存规则ID，保证遍历可重现
	logger *logrus.Logger
}

// NewMatcher 创建匹配引擎并装载内置规则库
func NewMatcher(logger *logrus.Logger) *Matcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Matcher{
		rules:  make(map[string]*Rule),
		logger: logger,
	}
	for _, spec := range BuiltinRules() {
		if err := m.AddRule(spec); err != nil {
			// 内置规则表编译失败属于程序缺陷
			panic(err)
		}
	}
	m.logger.WithField("rule_count", len(m.rules)).Debug("Builtin signature rules loaded")
	return m
}

// AddRule 注册一条规则。规则ID重复返回 KindRuleConflict，
// 非法模式返回 KindInvalidInput，注册成功后规则不可修改。
func (m *Matcher) AddRule(spec RuleSpec) error {
	if spec.ID == "" {
		return errs.New(errs.KindInvalidInput, "rule id must not be empty")
	}
	if spec.Weight <= 0 || spec.Weight > 1 {
		return errs.Newf(errs.KindInvalidInput, "rule %s: weight must be in (0,1], got %v", spec.ID, spec.Weight)
	}
	if spec.Severity.Weight() == 0 {
		return errs.Newf(errs.KindInvalidInput, "rule %s: unknown severity %q", spec.ID, spec.Severity)
	}

	rule := &Rule{
		ID:       spec.ID,
		Name:     spec.Name,
		Category: spec.Category,
		Severity: spec.Severity,
		Kind:     spec.Kind,
		Pattern:  spec.Pattern,
		Weight:   spec.Weight,
	}

	switch spec.Kind {
	case MatchLiteral:
		if spec.Pattern == "" {
			return errs.Newf(errs.KindInvalidInput, "rule %s: literal pattern must not be empty", spec.ID)
		}
	case MatchRegex:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return errs.Wrap(errs.KindInvalidInput, "rule "+spec.ID+": invalid regex", err)
		}
		rule.re = re
	case MatchBytes:
		if len(spec.Bytes) == 0 {
			return errs.Newf(errs.KindInvalidInput, "rule %s: byte pattern must not be empty", spec.ID)
		}
		rule.Bytes = append([]byte(nil), spec.Bytes...)
	default:
		return errs.Newf(errs.KindInvalidInput, "rule %s: unknown matcher kind %q", spec.ID, spec.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[spec.ID]; exists {
		return errs.Newf(errs.KindRuleConflict, "rule %s already registered", spec.ID)
	}
	m.rules[spec.ID] = rule
	m.order = append(m.order, spec.ID)
	return nil
}

// RemoveRule 注销规则，未注册返回 KindNotFound
func (m *Matcher) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[id]; !exists {
		return errs.Newf(errs.KindNotFound, "rule %s not registered", id)
	}
	delete(m.rules, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// RuleCount 当前已注册规则数
func (m *Matcher) RuleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Rules 按注册顺序返回规则快照
func (m *Matcher) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rules[id])
	}
	return out
}

// snapshot 持锁复制规则列表，扫描期间不受并发注册影响
func (m *Matcher) snapshot() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rules[id])
	}
	return out
}

// Scan 对缓冲区执行全规则匹配。budget<=0 时使用 DefaultScanBudget。
// 超出预算或 ctx 取消时返回已累积的部分结果并置 TimedOut。
func (m *Matcher) Scan(ctx context.Context, buffer []byte, budget time.Duration) *ScanResult {
	if budget <= 0 {
		budget = DefaultScanBudget
	}
	start := time.Now()
	deadline := start.Add(budget)

	result := &ScanResult{Matches: []PatternMatch{}}
	rules := m.snapshot()

	for _, rule := range rules {
		if ctx.Err() != nil || time.Now().After(deadline) {
			result.TimedOut = true
			break
		}
		result.Matches = append(result.Matches, evaluate(rule, buffer)...)
	}

	sortMatches(result.Matches)
	result.ThreatScore = scoreMatches(result.Matches)
	result.ScanTimeMS = time.Since(start).Milliseconds()

	m.logger.WithFields(logrus.Fields{
		"matches":      len(result.Matches),
		"threat_score": result.ThreatScore,
		"timed_out":    result.TimedOut,
		"scan_time_ms": result.ScanTimeMS,
	}).Debug("Signature scan completed")
	return result
}

// ScanStream 分段扫描缓冲区并通过通道产出增量事件，
// 最后一个事件 Completed=true。通道由本方法关闭。
func (m *Matcher) ScanStream(ctx context.Context, buffer []byte, chunkSize int, budget time.Duration) <-chan StreamEvent {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	if budget <= 0 {
		budget = DefaultScanBudget
	}
	events := make(chan StreamEvent, 8)

	go func() {
		defer close(events)
		deadline := time.Now().Add(budget)
		rules := m.snapshot()
		total := len(buffer)
		timedOut := false

		for offset := 0; offset < total; offset += chunkSize {
			if ctx.Err() != nil || time.Now().After(deadline) {
				timedOut = true
				break
			}
			end := offset + chunkSize
			if end > total {
				end = total
			}
			// 窗口向前延伸一段重叠区，跨块签名在后一块补报；
			// 完全落在重叠区内的命中已由前一块报告，跳过去重
			winStart := offset - streamOverlap
			if winStart < 0 {
				winStart = 0
			}
			var matches []PatternMatch
			for _, rule := range rules {
				for _, pm := range evaluate(rule, buffer[winStart:end]) {
					pm.Offset += winStart
					if offset > 0 && pm.Offset+pm.Length <= offset {
						continue
					}
					matches = append(matches, pm)
				}
			}
			sortMatches(matches)
			select {
			case events <- StreamEvent{Progress: float64(end) / float64(total), Matches: matches}:
			case <-ctx.Done():
				timedOut = true
			}
			if timedOut {
				break
			}
		}
		events <- StreamEvent{Progress: 1, Completed: true, TimedOut: timedOut}
	}()
	return events
}

// SearchRegex 对缓冲区执行一次性正则检索，不依赖已注册规则。
// flags 支持 "i"（忽略大小写）、"m"（多行）、"s"（点号匹配换行）。
func (m *Matcher) SearchRegex(buffer []byte, pattern string, flags string) ([]PatternMatch, error) {
	if pattern == "" {
		return nil, errs.New(errs.KindInvalidInput, "search pattern must not be empty")
	}
	var prefix strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		default:
			return nil, errs.Newf(errs.KindInvalidInput, "unsupported regex flag %q", string(f))
		}
	}
	if prefix.Len() > 0 {
		pattern = "(?" + prefix.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "invalid search pattern", err)
	}

	var matches []PatternMatch
	for _, loc := range re.FindAllIndex(buffer, -1) {
		matches = append(matches, PatternMatch{
			RuleID:     "adhoc_search",
			RuleName:   "Ad-hoc Regex Search",
			Category:   CategoryCustom,
			Severity:   SeverityLow,
			Offset:     loc[0],
			Length:     loc[1] - loc[0],
			Confidence: 1.0,
			Context:    contextSnippet(buffer, loc[0], loc[1]),
		})
	}
	sortMatches(matches)
	return matches, nil
}

// evaluate 对单条规则求值，返回全部命中
func evaluate(rule *Rule, buffer []byte) []PatternMatch {
	var locs [][]int
	switch rule.Kind {
	case MatchLiteral:
		needle := []byte(rule.Pattern)
		for from := 0; ; {
			idx := bytes.Index(buffer[from:], needle)
			if idx < 0 {
				break
			}
			at := from + idx
			locs = append(locs, []int{at, at + len(needle)})
			from = at + len(needle)
		}
	case MatchRegex:
		locs = rule.re.FindAllIndex(buffer, -1)
	case MatchBytes:
		for from := 0; ; {
			idx := bytes.Index(buffer[from:], rule.Bytes)
			if idx < 0 {
				break
			}
			at := from + idx
			locs = append(locs, []int{at, at + len(rule.Bytes)})
			from = at + len(rule.Bytes)
		}
	}

	matches := make([]PatternMatch, 0, len(locs))
	for _, loc := range locs {
		matches = append(matches, PatternMatch{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Category:   rule.Category,
			Severity:   rule.Severity,
			Offset:     loc[0],
			Length:     loc[1] - loc[0],
			Confidence: rule.Weight,
			Context:    contextSnippet(buffer, loc[0], loc[1]),
		})
	}
	return matches
}

// contextSnippet 提取命中点两侧各 contextWindow 字节的片段，
// 不可打印字节替换为 '.'，避免输出撕裂的控制序列
func contextSnippet(buffer []byte, start, end int) string {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(buffer) {
		hi = len(buffer)
	}
	raw := buffer[lo:hi]
	out := make([]byte, len(raw))
	for i, b := range raw {
		if b >= 0x20 && b < 0x7F {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	if !utf8.Valid(out) {
		// 替换后必为ASCII，这里只是兜底
		return string(bytes.ToValidUTF8(out, []byte(".")))
	}
	return string(out)
}

// sortMatches 稳定排序：偏移升序，同偏移按严重度降序，再按规则ID
func sortMatches(matches []PatternMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Offset != matches[j].Offset {
			return matches[i].Offset < matches[j].Offset
		}
		ri, rj := matches[i].Severity.rank(), matches[j].Severity.rank()
		if ri != rj {
			return ri > rj
		}
		return matches[i].RuleID < matches[j].RuleID
	})
}

// scoreMatches 严重度权重求和，饱和于 threatScoreCeiling
func scoreMatches(matches []PatternMatch) int {
	score := 0
	for _, pm := range matches {
		score += pm.Severity.Weight()
		if score >= threatScoreCeiling {
			return threatScoreCeiling
		}
	}
	return score
}

// OverallSeverity 取命中集合中的最高严重度；空集合返回空串
func OverallSeverity(matches []PatternMatch) Severity {
	best := Severity("")
	bestRank := -1
	for _, pm := range matches {
		if r := pm.Severity.rank(); r > bestRank {
			bestRank = r
			best = pm.Severity
		}
	}
	return best
}
