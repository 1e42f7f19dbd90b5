package entropy

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestShannon_Empty 空输入熵为0
func TestShannon_Empty(t *testing.T) {
	assert.Equal(t, 0.0, Shannon(nil))
	assert.Equal(t, 0.0, Shannon([]byte{}))
}

// TestShannon_Uniform 单一字节序列熵为0
func TestShannon_Uniform(t *testing.T) {
	data := []byte(strings.Repeat("A", 1024))
	assert.Equal(t, 0.0, Shannon(data))
}

// TestShannon_TwoSymbols 两种等概率字节熵为1
func TestShannon_TwoSymbols(t *testing.T) {
	data := []byte(strings.Repeat("AB", 512))
	assert.InDelta(t, 1.0, Shannon(data), 0.0001)
}

// TestShannon_Random 随机数据熵接近8
func TestShannon_Random(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 64*1024)
	r.Read(data)

	e := Shannon(data)
	assert.Greater(t, e, 7.9)
	assert.LessOrEqual(t, e, 8.0)
}

// TestNormalized 归一化熵在0-1之间
func TestNormalized(t *testing.T) {
	data := []byte("hello world, plain ascii text")
	n := Normalized(data)
	assert.GreaterOrEqual(t, n, 0.0)
	assert.LessOrEqual(t, n, 1.0)
}

// TestAnalyze_HighEntropyAnomaly 随机区段被标记为高熵异常
func TestAnalyze_HighEntropyAnomaly(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	plain := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50))
	random := make([]byte, 2048)
	r.Read(random)
	data := append(plain, random...)

	result := Analyze(data, 512)

	assert.NotEmpty(t, result.Windows)
	assert.NotEmpty(t, result.Anomalies)

	found := false
	for _, a := range result.Anomalies {
		if a.Reason == "high_entropy" && a.Offset >= len(plain)-512 {
			found = true
		}
	}
	assert.True(t, found, "random tail should be flagged as high entropy")
}

// TestAnalyze_Deterministic 同一输入重复分析结果一致
func TestAnalyze_Deterministic(t *testing.T) {
	data := []byte("eval(atob('SGVsbG8='))")
	a := Analyze(data, 8)
	b := Analyze(data, 8)
	assert.Equal(t, a, b)
}
