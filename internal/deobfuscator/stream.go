package deobfuscator

import (
	"context"
	"unicode/utf8"
)

// ChunkResult 流式去混淆的单块输出
type ChunkResult struct {
	Offset int     `json:"offset"`
	Size   int     `json:"size"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// StreamingDeobfuscator 增量处理大输入。单个实例非并发安全，
// 每条流各持有一个实例（协作式、流内单线程）。
// 各块独立去混淆，跨块只保留避免拆断多字节编码单元所需的尾部字节。
type StreamingDeobfuscator struct {
	engine    *Deobfuscator
	cfg       Config
	buffer    []byte
	offset    int
	chunkSize int
}

// DefaultChunkSize 默认处理块大小 (1MB)
const DefaultChunkSize = 1024 * 1024

// NewStreaming 创建流式去混淆器；chunkSize <= 0 时使用 DefaultChunkSize
func (d *Deobfuscator) NewStreaming(cfg Config, chunkSize int) *StreamingDeobfuscator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamingDeobfuscator{
		engine:    d,
		cfg:       cfg,
		chunkSize: chunkSize,
	}
}

// ProcessChunk 追加一块输入；凑满一个处理块时返回该块的去混淆结果，
// 否则返回 nil 等待更多数据。
func (s *StreamingDeobfuscator) ProcessChunk(ctx context.Context, chunk []byte) *ChunkResult {
	s.buffer = append(s.buffer, chunk...)
	if len(s.buffer) < s.chunkSize {
		return nil
	}

	cut := s.splitPoint(s.chunkSize)
	return s.emit(ctx, cut)
}

// Flush 终止信号：处理缓冲中剩余的全部数据
func (s *StreamingDeobfuscator) Flush(ctx context.Context) *ChunkResult {
	if len(s.buffer) == 0 {
		return nil
	}
	return s.emit(ctx, len(s.buffer))
}

func (s *StreamingDeobfuscator) emit(ctx context.Context, cut int) *ChunkResult {
	data := s.buffer[:cut]
	s.buffer = append([]byte(nil), s.buffer[cut:]...)

	chunkOffset := s.offset
	s.offset += cut

	if !utf8.Valid(data) {
		return &ChunkResult{
			Offset: chunkOffset,
			Size:   cut,
			Error:  "chunk is not valid UTF-8",
		}
	}

	result := s.engine.Deobfuscate(ctx, string(data), s.cfg)
	return &ChunkResult{
		Offset: chunkOffset,
		Size:   cut,
		Result: result,
	}
}

// splitPoint 把切分点回退到不会拆断UTF-8多字节序列的位置
func (s *StreamingDeobfuscator) splitPoint(want int) int {
	cut := want
	if cut > len(s.buffer) {
		cut = len(s.buffer)
	}
	// 最多回退3字节即可跨过任何UTF-8序列边界
	for back := 0; back < 4 && cut-back > 0; back++ {
		b := s.buffer[cut-back-1]
		if b < 0x80 || b >= 0xC0 {
			// 该字节是某个序列的首字节：确认序列完整后切分
			seqLen := 1
			switch {
			case b >= 0xF0:
				seqLen = 4
			case b >= 0xE0:
				seqLen = 3
			case b >= 0xC0:
				seqLen = 2
			}
			if back+1 < seqLen {
				return cut - back - 1
			}
			return cut
		}
	}
	return cut
}
