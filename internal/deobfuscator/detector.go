package deobfuscator

import (
	"regexp"
	"strings"

	"github.com/radicalkjax/Athena-sub009/internal/entropy"
)

var (
	base64RunRegex  = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	base64WholeRe   = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	hexEscapeRegex  = regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){4,}`)
	unicodeRegex    = regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){3,}`)
	jsCallRegex     = regexp.MustCompile(`\b(eval|atob|unescape)\s*\(|\bnew\s+Function\s*\(`)
	charCodeRegex   = regexp.MustCompile(`String\.fromCharCode\s*\(\s*(?:\d+\s*,?\s*){3,}\)`)
	psEncodedRegex  = regexp.MustCompile(`(?i)-e(nc|ncodedcommand)?\s+[A-Za-z0-9+/=]{8,}`)
	psInvokeRegex   = regexp.MustCompile(`(?i)(powershell(\.exe)?|pwsh|invoke-expression|iex\s*\()`)
	xorKeywordRegex = regexp.MustCompile(`(?i)\bxor\b|\^\s*(0x[0-9a-fA-F]+|\d{1,3})`)
)

// 各技术基础权重：单个强信号应不低于0.8，多信号叠加饱和到1.0
var techniqueWeights = map[Technique]float64{
	TechniqueBase64:     0.9,
	TechniqueHex:        0.85,
	TechniqueUnicode:    0.85,
	TechniqueJavaScript: 0.8,
	TechniquePowerShell: 0.9,
	TechniqueCharCode:   0.95,
	TechniqueROT13:      0.7,
	TechniqueXOR:        0.6,
}

// rot13 解码后才应出现的常见代码/文本标记
var rot13Markers = []string{
	"http", "eval(", "function", "powershell", "cmd.exe", "/bin/sh",
	"the ", "var ", "exec(", "import ",
}

// Detect 对内容做逐技术签名检测。技术可同时命中多个；
// 总置信度为各技术权重的饱和和。对相同输入重复调用结果一致。
func (d *Deobfuscator) Detect(content string) *DetectionResult {
	result := &DetectionResult{
		Techniques:  []Technique{},
		Confidences: map[Technique]float64{},
		Entropy:     entropy.Shannon([]byte(content)),
	}

	if content == "" {
		return result
	}

	if c := detectBase64(content); c > 0 {
		result.add(TechniqueBase64, c)
	}
	if c := detectHex(content); c > 0 {
		result.add(TechniqueHex, c)
	}
	if c := detectUnicode(content); c > 0 {
		result.add(TechniqueUnicode, c)
	}
	if c := detectJavaScript(content); c > 0 {
		result.add(TechniqueJavaScript, c)
	}
	if c := detectPowerShell(content); c > 0 {
		result.add(TechniquePowerShell, c)
	}
	if c := detectCharCode(content); c > 0 {
		result.add(TechniqueCharCode, c)
	}
	if c := detectROT13(content); c > 0 {
		result.add(TechniqueROT13, c)
	}
	// XOR 只在高熵内容上判定，避免普通文本误报
	if result.Entropy > 6.0 {
		if c := detectXOR(content); c > 0 {
			result.add(TechniqueXOR, c)
		}
	}

	result.IsObfuscated = len(result.Techniques) > 0
	return result
}

func (r *DetectionResult) add(t Technique, confidence float64) {
	r.Techniques = append(r.Techniques, t)
	r.Confidences[t] = confidence
	r.Confidence += confidence
	if r.Confidence > 1.0 {
		r.Confidence = 1.0
	}
}

// top 返回置信度最高的技术；并列时按 AllTechniques 的固定顺序取前者，
// 保证相同输入的选择是确定性的
func (r *DetectionResult) top() (Technique, float64) {
	var best Technique
	bestConf := -1.0
	for _, t := range AllTechniques() {
		if c, ok := r.Confidences[t]; ok && c > bestConf {
			best = t
			bestConf = c
		}
	}
	return best, bestConf
}

// detectBase64 整体为base64字母表、长度为4的倍数且大于4时视为强信号；
// 内嵌的长base64串给较弱信号
func detectBase64(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) > 4 && len(trimmed)%4 == 0 && base64WholeRe.MatchString(trimmed) {
		return techniqueWeights[TechniqueBase64]
	}

	matches := base64RunRegex.FindAllString(content, -1)
	if len(matches) == 0 {
		return 0
	}
	var matched int
	for _, m := range matches {
		matched += len(m)
	}
	coverage := float64(matched) / float64(len(content))
	if coverage < 0.2 {
		return 0
	}
	c := coverage * 1.5
	if c > techniqueWeights[TechniqueBase64] {
		c = techniqueWeights[TechniqueBase64]
	}
	return c
}

func detectHex(content string) float64 {
	if !hexEscapeRegex.MatchString(content) {
		return 0
	}
	return techniqueWeights[TechniqueHex]
}

func detectUnicode(content string) float64 {
	if !unicodeRegex.MatchString(content) {
		return 0
	}
	return techniqueWeights[TechniqueUnicode]
}

func detectJavaScript(content string) float64 {
	calls := jsCallRegex.FindAllString(content, -1)
	if len(calls) == 0 {
		return 0
	}
	// eval+atob 同时出现时信号更强
	lower := strings.ToLower(content)
	if strings.Contains(lower, "eval") && (strings.Contains(lower, "atob") || strings.Contains(lower, "unescape")) {
		return 0.95
	}
	return techniqueWeights[TechniqueJavaScript]
}

func detectPowerShell(content string) float64 {
	if psEncodedRegex.MatchString(content) {
		if psInvokeRegex.MatchString(content) {
			return 0.95
		}
		return techniqueWeights[TechniquePowerShell]
	}
	return 0
}

func detectCharCode(content string) float64 {
	if !charCodeRegex.MatchString(content) {
		return 0
	}
	return techniqueWeights[TechniqueCharCode]
}

// detectROT13 对内容做rot13后统计常见标记数量，解码后标记显著增多才算命中
func detectROT13(content string) float64 {
	if len(content) < 8 {
		return 0
	}
	decoded := rot13(content)
	before := countMarkers(content)
	after := countMarkers(decoded)
	if after > before && after >= 1 {
		return techniqueWeights[TechniqueROT13]
	}
	return 0
}

func countMarkers(s string) int {
	lower := strings.ToLower(s)
	count := 0
	for _, m := range rot13Markers {
		count += strings.Count(lower, m)
	}
	return count
}

// detectXOR 相邻等长块差异模式启发式：块间相似但不相同时可能是短密钥XOR
func detectXOR(content string) float64 {
	data := []byte(content)
	const chunk = 8
	if len(data) < chunk*4 {
		return 0
	}

	var score float64
	limit := len(data) - chunk*2
	if limit > 4096 {
		limit = 4096
	}
	for i := 0; i < limit; i++ {
		diff := 0
		for j := 0; j < chunk; j++ {
			if data[i+j] != data[i+chunk+j] {
				diff++
			}
		}
		if diff > 2 && diff < chunk-2 {
			score += 0.01
		}
	}
	if score < 0.3 {
		return 0
	}
	if score > techniqueWeights[TechniqueXOR] {
		score = techniqueWeights[TechniqueXOR]
	}
	if xorKeywordRegex.MatchString(content) {
		score = techniqueWeights[TechniqueXOR]
	}
	return score
}
