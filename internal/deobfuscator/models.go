package deobfuscator

// Technique 混淆技术枚举（封闭集合，新增技术需在此显式添加）
type Technique string

const (
	TechniqueBase64     Technique = "base64"
	TechniqueHex        Technique = "hex"
	TechniqueUnicode    Technique = "unicode"
	TechniqueJavaScript Technique = "javascript"
	TechniquePowerShell Technique = "powershell"
	TechniqueCharCode   Technique = "charcode"
	TechniqueROT13      Technique = "rot13"
	TechniqueXOR        Technique = "xor"
)

// AllTechniques 返回全部支持的技术，顺序即解码优先级的兜底顺序
func AllTechniques() []Technique {
	return []Technique{
		TechniqueBase64,
		TechniqueHex,
		TechniqueUnicode,
		TechniqueJavaScript,
		TechniquePowerShell,
		TechniqueCharCode,
		TechniqueROT13,
		TechniqueXOR,
	}
}

// DetectionResult 单次检测结果，每次调用新建，调用方持有
type DetectionResult struct {
	IsObfuscated bool                  `json:"is_obfuscated"`
	Techniques   []Technique           `json:"techniques"` // 顺序不承载语义
	Confidences  map[Technique]float64 `json:"confidences"`
	Confidence   float64               `json:"confidence"` // 各技术权重饱和求和，上限1.0
	Entropy      float64               `json:"entropy"`
}

// Has 判断结果中是否包含指定技术
func (d *DetectionResult) Has(t Technique) bool {
	for _, tech := range d.Techniques {
		if tech == t {
			return true
		}
	}
	return false
}

// Layer 一次成功剥离的混淆层，构成审计链，追加后不再修改
type Layer struct {
	Technique  Technique `json:"technique"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Confidence float64   `json:"confidence"`
}

// Result 去混淆结果。
// success=false 时 Deobfuscated 保留尽力而为的部分输出，绝不返回垃圾数据。
type Result struct {
	Success      bool     `json:"success"`
	Deobfuscated string   `json:"deobfuscated"`
	Layers       []Layer  `json:"layers"`
	Warnings     []string `json:"warnings"`
	Error        string   `json:"error,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
}

// Config 去混淆配置
type Config struct {
	MaxLayers int   `json:"max_layers"` // 最大剥离层数
	TimeoutMS int64 `json:"timeout_ms"` // 总时间预算
}

// DefaultConfig 默认配置：最多10层，30秒预算
func DefaultConfig() Config {
	return Config{
		MaxLayers: 10,
		TimeoutMS: 30000,
	}
}

// ExtractedString 从内容中提取的可打印字符串
type ExtractedString struct {
	Value  string `json:"value"`
	Offset int    `json:"offset"`
}
