package deobfuscator

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Deobfuscator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(logger)
}

// TestDetect_PlainBase64 纯base64输入：识别为Base64，置信度约0.9
func TestDetect_PlainBase64(t *testing.T) {
	d := newTestEngine()

	result := d.Detect("SGVsbG8=")

	assert.True(t, result.IsObfuscated)
	assert.True(t, result.Has(TechniqueBase64))
	assert.InDelta(t, 0.9, result.Confidences[TechniqueBase64], 0.05)
}

// TestDetect_Idempotent 相同输入重复检测结果完全一致
func TestDetect_Idempotent(t *testing.T) {
	d := newTestEngine()
	input := `eval(atob("YWxlcnQoMSk="))`

	first := d.Detect(input)
	second := d.Detect(input)

	assert.Equal(t, first, second)
}

// TestDetect_PlainText 普通文本不应命中任何技术
func TestDetect_PlainText(t *testing.T) {
	d := newTestEngine()

	result := d.Detect("just a harmless sentence with no tricks")

	assert.False(t, result.IsObfuscated)
	assert.Empty(t, result.Techniques)
	assert.Equal(t, 0.0, result.Confidence)
}

// TestDeobfuscate_SingleBase64 单层base64往返：一层，结果为原文
func TestDeobfuscate_SingleBase64(t *testing.T) {
	d := newTestEngine()

	result := d.Deobfuscate(context.Background(), "SGVsbG8=", DefaultConfig())

	require.True(t, result.Success)
	assert.Equal(t, "Hello", result.Deobfuscated)
	require.Len(t, result.Layers, 1)
	assert.Equal(t, TechniqueBase64, result.Layers[0].Technique)
}

// TestDeobfuscate_DoubleBase64 双层base64：两层，最终为原文
func TestDeobfuscate_DoubleBase64(t *testing.T) {
	d := newTestEngine()
	plain := "Hello"
	once := base64.StdEncoding.EncodeToString([]byte(plain))
	twice := base64.StdEncoding.EncodeToString([]byte(once))

	result := d.Deobfuscate(context.Background(), twice, DefaultConfig())

	require.True(t, result.Success)
	assert.Equal(t, plain, result.Deobfuscated)
	assert.Len(t, result.Layers, 2)
}

// TestDeobfuscate_MaxLayersBound 层数绝不超过 MaxLayers
func TestDeobfuscate_MaxLayersBound(t *testing.T) {
	d := newTestEngine()

	payload := "deep payload"
	encoded := payload
	for i := 0; i < 8; i++ {
		encoded = base64.StdEncoding.EncodeToString([]byte(encoded))
	}

	cfg := DefaultConfig()
	cfg.MaxLayers = 3
	result := d.Deobfuscate(context.Background(), encoded, cfg)

	assert.LessOrEqual(t, len(result.Layers), 3)
	assert.NotEmpty(t, result.Warnings)
}

// TestDeobfuscate_CanceledBeforeFirstLayer 取消于首层之前：
// 硬失败且 Error 非空，原文保持不变
func TestDeobfuscate_CanceledBeforeFirstLayer(t *testing.T) {
	d := newTestEngine()
	input := "SGVsbG8="

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := d.Deobfuscate(ctx, input, DefaultConfig())

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Contains(t, result.Error, "canceled")
	assert.Equal(t, input, result.Deobfuscated)
	assert.Empty(t, result.Layers)
	assert.NotEmpty(t, result.Warnings)
}

// TestDeobfuscate_MalformedTopLevel 非法UTF-8输入：硬失败，原文原样返回
func TestDeobfuscate_MalformedTopLevel(t *testing.T) {
	d := newTestEngine()
	input := string([]byte{0xff, 0xfe, 0xfd, 0x41, 0x42})

	result := d.Deobfuscate(context.Background(), input, DefaultConfig())

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, input, result.Deobfuscated)
	assert.Empty(t, result.Layers)
}

// TestDeobfuscate_BadTopLayerDecode 顶层检测命中但解码失败：硬失败
func TestDeobfuscate_BadTopLayerDecode(t *testing.T) {
	d := newTestEngine()
	input := `eval(atob("====="))`

	result := d.Deobfuscate(context.Background(), input, DefaultConfig())

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, input, result.Deobfuscated)
}

// TestDeobfuscate_EvalAtob eval(atob(...)) 剥离后得到内部代码
func TestDeobfuscate_EvalAtob(t *testing.T) {
	d := newTestEngine()

	result := d.Deobfuscate(context.Background(), `eval(atob("YWxlcnQoMSk="))`, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, "alert(1)")
	assert.NotEmpty(t, result.Layers)
}

// TestDeobfuscate_HexEscapes \xHH 转义串解码
func TestDeobfuscate_HexEscapes(t *testing.T) {
	d := newTestEngine()

	result := d.Deobfuscate(context.Background(), `var s = "\x48\x65\x6c\x6c\x6f";`, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, "Hello")
}

// TestDeobfuscate_UnicodeEscapes \uHHHH 转义串解码
func TestDeobfuscate_UnicodeEscapes(t *testing.T) {
	d := newTestEngine()

	result := d.Deobfuscate(context.Background(), `var s = "Hello";`, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, "Hello")
}

// TestDeobfuscate_CharCode String.fromCharCode 还原
func TestDeobfuscate_CharCode(t *testing.T) {
	d := newTestEngine()

	result := d.Deobfuscate(context.Background(), `eval(String.fromCharCode(97,108,101,114,116,40,49,41))`, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, "alert(1)")
}

// TestDeobfuscate_PowerShellEncoded -EncodedCommand 载荷 (base64/UTF-16LE)
func TestDeobfuscate_PowerShellEncoded(t *testing.T) {
	d := newTestEngine()

	payload := "Write-Host 'pwned'"
	units := utf16.Encode([]rune(payload))
	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		raw = append(raw, byte(u), byte(u>>8))
	}
	input := "powershell.exe -EncodedCommand " + base64.StdEncoding.EncodeToString(raw)

	result := d.Deobfuscate(context.Background(), input, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, payload)
}

// TestDeobfuscate_ROT13 rot13 文本解码
func TestDeobfuscate_ROT13(t *testing.T) {
	d := newTestEngine()
	// rot13("http://evil.example/payload")
	input := rot13("http://evil.example/payload function download()")

	result := d.Deobfuscate(context.Background(), input, DefaultConfig())

	require.True(t, result.Success)
	assert.Contains(t, result.Deobfuscated, "http://evil.example/payload")
}

// TestExtractIOCs URL/IP/域名抽取，去重且有序
func TestExtractIOCs(t *testing.T) {
	d := newTestEngine()
	content := `connect to http://malicious-c2.com/gate.php then 185.45.192.100 ` +
		`and backup host evil.example.ru plus http://malicious-c2.com/gate.php again`

	iocs := d.ExtractIOCs(content)

	assert.Contains(t, iocs, "http://malicious-c2.com/gate.php")
	assert.Contains(t, iocs, "185.45.192.100")
	assert.Contains(t, iocs, "evil.example.ru")

	// 去重
	seen := map[string]int{}
	for _, ioc := range iocs {
		seen[ioc]++
	}
	for ioc, n := range seen {
		assert.Equal(t, 1, n, "duplicate ioc: %s", ioc)
	}
}

// TestExtractStrings 可打印串提取（最小长度4）
func TestExtractStrings(t *testing.T) {
	d := newTestEngine()
	data := append([]byte("hello"), 0x00, 0x01)
	data = append(data, []byte("world!")...)
	data = append(data, 0xff, 'a', 'b', 0x00)

	strs := d.ExtractStrings(data)

	require.Len(t, strs, 2)
	assert.Equal(t, "hello", strs[0].Value)
	assert.Equal(t, 0, strs[0].Offset)
	assert.Equal(t, "world!", strs[1].Value)
}

// TestStreaming_ChunksAndFlush 分块处理＋终止冲刷
func TestStreaming_ChunksAndFlush(t *testing.T) {
	d := newTestEngine()
	stream := d.NewStreaming(DefaultConfig(), 16)

	first := stream.ProcessChunk(context.Background(), []byte("short"))
	assert.Nil(t, first, "below chunk size should buffer")

	second := stream.ProcessChunk(context.Background(), []byte(strings.Repeat("A", 20)))
	require.NotNil(t, second)
	assert.Equal(t, 0, second.Offset)
	require.NotNil(t, second.Result)

	final := stream.Flush(context.Background())
	require.NotNil(t, final)
	assert.Greater(t, final.Offset, 0)

	assert.Nil(t, stream.Flush(context.Background()), "second flush has nothing left")
}

// TestStreaming_NoSplitMultibyte 多字节UTF-8序列不被块边界拆断
func TestStreaming_NoSplitMultibyte(t *testing.T) {
	d := newTestEngine()
	stream := d.NewStreaming(DefaultConfig(), 4)

	// "héllo" 的 é 为两字节序列，块边界正好落在其中间
	res := stream.ProcessChunk(context.Background(), []byte("h\xc3\xa9llo"))
	require.NotNil(t, res)
	assert.Empty(t, res.Error)

	final := stream.Flush(context.Background())
	require.NotNil(t, final)
	assert.Empty(t, final.Error)
}
