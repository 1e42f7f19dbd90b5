package deobfuscator

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	atobLiteralRegex   = regexp.MustCompile(`(?i)(?:eval\s*\(\s*)?atob\s*\(\s*["']([A-Za-z0-9+/=]+)["']\s*\)`)
	evalLiteralRegex   = regexp.MustCompile(`(?i)eval\s*\(\s*["']([^"']*)["']\s*\)`)
	unescapeCallRegex  = regexp.MustCompile(`(?i)unescape\s*\(\s*["']([^"']*)["']\s*\)`)
	psPayloadRegex     = regexp.MustCompile(`(?i)-e(?:nc|ncodedcommand)?\s+([A-Za-z0-9+/=]{8,})`)
	charCodeCallRegex  = regexp.MustCompile(`String\.fromCharCode\s*\(([\d\s,]+)\)`)
	hexRunRegex        = regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2})+`)
	unicodeRunRegex    = regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4})+`)
	base64DecodeRegex  = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
)

// decode 按技术分发解码。封闭的技术枚举在此穷举，新增技术必须补分支。
func decode(t Technique, content string) (string, error) {
	switch t {
	case TechniqueBase64:
		return decodeBase64(content)
	case TechniqueHex:
		return decodeHex(content)
	case TechniqueUnicode:
		return decodeUnicode(content)
	case TechniqueJavaScript:
		return decodeJavaScript(content)
	case TechniquePowerShell:
		return decodePowerShell(content)
	case TechniqueCharCode:
		return decodeCharCode(content)
	case TechniqueROT13:
		return rot13(content), nil
	case TechniqueXOR:
		return decodeXOR(content)
	default:
		return "", fmt.Errorf("unsupported technique: %s", t)
	}
}

func decodeBase64(content string) (string, error) {
	trimmed := strings.TrimSpace(content)

	// 整体解码优先
	if base64WholeRe.MatchString(trimmed) && len(trimmed)%4 == 0 {
		raw, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return "", fmt.Errorf("base64 decode failed: %w", err)
		}
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("base64 payload is not valid UTF-8")
		}
		return string(raw), nil
	}

	// 内嵌长串：逐个解码并原位替换，至少要有一个成功
	replaced := 0
	out := base64DecodeRegex.ReplaceAllStringFunc(content, func(m string) string {
		if len(m)%4 != 0 {
			return m
		}
		raw, err := base64.StdEncoding.DecodeString(m)
		if err != nil || !utf8.Valid(raw) || !mostlyPrintable(raw) {
			return m
		}
		replaced++
		return string(raw)
	})
	if replaced == 0 {
		return "", fmt.Errorf("no decodable base64 run found")
	}
	return out, nil
}

func decodeHex(content string) (string, error) {
	replaced := 0
	out := hexRunRegex.ReplaceAllStringFunc(content, func(m string) string {
		var sb strings.Builder
		for i := 0; i+4 <= len(m); i += 4 {
			v, err := strconv.ParseUint(m[i+2:i+4], 16, 8)
			if err != nil {
				return m
			}
			sb.WriteByte(byte(v))
		}
		decoded := sb.String()
		if !utf8.ValidString(decoded) {
			return m
		}
		replaced++
		return decoded
	})
	if replaced == 0 {
		return "", fmt.Errorf("no decodable hex escape run found")
	}
	return out, nil
}

func decodeUnicode(content string) (string, error) {
	replaced := 0
	out := unicodeRunRegex.ReplaceAllStringFunc(content, func(m string) string {
		var units []uint16
		for i := 0; i+6 <= len(m); i += 6 {
			v, err := strconv.ParseUint(m[i+2:i+6], 16, 16)
			if err != nil {
				return m
			}
			units = append(units, uint16(v))
		}
		replaced++
		return string(utf16.Decode(units))
	})
	if replaced == 0 {
		return "", fmt.Errorf("no decodable unicode escape run found")
	}
	return out, nil
}

// decodeJavaScript 剥离一层 eval/atob/unescape 包装
func decodeJavaScript(content string) (string, error) {
	if m := atobLiteralRegex.FindStringSubmatch(content); m != nil {
		raw, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "", fmt.Errorf("atob payload decode failed: %w", err)
		}
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("atob payload is not valid UTF-8")
		}
		return strings.Replace(content, m[0], string(raw), 1), nil
	}

	if m := unescapeCallRegex.FindStringSubmatch(content); m != nil {
		decoded, err := url.QueryUnescape(m[1])
		if err != nil {
			return "", fmt.Errorf("unescape payload decode failed: %w", err)
		}
		return strings.Replace(content, m[0], decoded, 1), nil
	}

	if m := evalLiteralRegex.FindStringSubmatch(content); m != nil {
		return strings.Replace(content, m[0], m[1], 1), nil
	}

	return "", fmt.Errorf("no unwrappable javascript construct found")
}

// decodePowerShell -EncodedCommand 载荷为 base64(UTF-16LE)
func decodePowerShell(content string) (string, error) {
	m := psPayloadRegex.FindStringSubmatch(content)
	if m == nil {
		return "", fmt.Errorf("no encoded command payload found")
	}

	raw, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", fmt.Errorf("encoded command decode failed: %w", err)
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("encoded command is not valid UTF-16LE")
	}

	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	decoded := string(utf16.Decode(units))
	return strings.Replace(content, m[0], decoded, 1), nil
}

func decodeCharCode(content string) (string, error) {
	replaced := 0
	out := charCodeCallRegex.ReplaceAllStringFunc(content, func(call string) string {
		m := charCodeCallRegex.FindStringSubmatch(call)
		if m == nil {
			return call
		}
		var sb strings.Builder
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := strconv.Atoi(part)
			if err != nil || v < 0 || v > 0x10FFFF {
				return call
			}
			sb.WriteRune(rune(v))
		}
		replaced++
		return "\"" + sb.String() + "\""
	})
	if replaced == 0 {
		return "", fmt.Errorf("no decodable charcode sequence found")
	}
	return out, nil
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		default:
			return r
		}
	}, s)
}

// decodeXOR 单字节密钥穷举，取可打印率最高且显著优于原文的候选
func decodeXOR(content string) (string, error) {
	data := []byte(content)
	baseline := printableRatio(data)

	var bestKey byte
	bestRatio := 0.0
	candidate := make([]byte, len(data))
	for key := 1; key < 256; key++ {
		for i, b := range data {
			candidate[i] = b ^ byte(key)
		}
		if !utf8.Valid(candidate) {
			continue
		}
		ratio := printableRatio(candidate)
		if ratio > bestRatio {
			bestRatio = ratio
			bestKey = byte(key)
		}
	}

	if bestRatio < 0.85 || bestRatio <= baseline {
		return "", fmt.Errorf("no plausible single-byte xor key found")
	}

	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ bestKey
	}
	return string(out), nil
}

func printableRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	printable := 0
	for _, b := range data {
		if (b >= 0x20 && b < 0x7F) || b == '\n' || b == '\r' || b == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(len(data))
}

func mostlyPrintable(data []byte) bool {
	return printableRatio(data) >= 0.8
}
