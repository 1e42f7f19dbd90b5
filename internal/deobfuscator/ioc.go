package deobfuscator

import (
	"regexp"
	"sort"
	"strings"
)

var (
	urlRegex    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>)]+`)
	ipv4Regex   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainRegex = regexpMustCompileDomain()
)

func regexpMustCompileDomain() *regexp.Regexp {
	// 常见可疑TLD在前，避免把普通文件名误判为域名
	return regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9-]{0,62}(?:\.[a-z0-9][a-z0-9-]{0,62})*\.(?:com|net|org|info|io|ru|cn|top|xyz|onion|biz|cc|tk|pw)\b`)
}

// ExtractIOCs 从内容中提取 URL/IP/域名 失陷指标，去重后按字典序返回
func (d *Deobfuscator) ExtractIOCs(content string) []string {
	seen := map[string]struct{}{}

	for _, u := range urlRegex.FindAllString(content, -1) {
		seen[strings.TrimRight(u, ".,;")] = struct{}{}
	}
	for _, ip := range ipv4Regex.FindAllString(content, -1) {
		if validIPv4(ip) {
			seen[ip] = struct{}{}
		}
	}
	for _, dom := range domainRegex.FindAllString(content, -1) {
		seen[strings.ToLower(dom)] = struct{}{}
	}

	iocs := make([]string, 0, len(seen))
	for ioc := range seen {
		iocs = append(iocs, ioc)
	}
	sort.Strings(iocs)
	return iocs
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		n := 0
		for _, c := range p {
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// ExtractStrings 提取长度不小于4的可打印ASCII串及其偏移
func (d *Deobfuscator) ExtractStrings(content []byte) []ExtractedString {
	const minLen = 4

	var out []ExtractedString
	start := -1
	for i, b := range content {
		if b >= 0x20 && b < 0x7F {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLen {
			out = append(out, ExtractedString{Value: string(content[start:i]), Offset: start})
		}
		start = -1
	}
	if start >= 0 && len(content)-start >= minLen {
		out = append(out, ExtractedString{Value: string(content[start:]), Offset: start})
	}
	return out
}
