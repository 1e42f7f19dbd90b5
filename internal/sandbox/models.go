package sandbox

import (
	"time"
)

// State 环境状态机：Idle→Running→Idle（正常完成）、
// Idle→Running→Terminated（执行中终止）、Idle→Terminated（直接销毁）
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Mode 策略违规的处置模式
type Mode string

const (
	// ModeEnforce 能力违规使执行失败
	ModeEnforce Mode = "enforce"
	// ModeObserve 只记录事件不判失败，用于纯行为采集
	ModeObserve Mode = "observe"
)

// ExecutionPolicy 环境创建时一次性确定的执行策略，生命周期内不可变。
// MaxCPUTimeMS 是 TimeLimitMS 的别名输入，构造时立即归一化，
// 引擎内部只读 TimeLimitMS。
type ExecutionPolicy struct {
	TimeLimitMS      int64 `json:"time_limit_ms"`
	MaxCPUTimeMS     int64 `json:"max_cpu_time_ms,omitempty"`
	MemoryLimitBytes int64 `json:"memory_limit_bytes"`
	AllowNetwork     bool  `json:"allow_network"`
	AllowFilesystem  bool  `json:"allow_filesystem"`
	AllowProcess     bool  `json:"allow_process"`
	AllowRegistry    bool  `json:"allow_registry"`
}

// normalize 折叠别名字段并补默认值
func (p ExecutionPolicy) normalize() ExecutionPolicy {
	if p.TimeLimitMS <= 0 && p.MaxCPUTimeMS > 0 {
		p.TimeLimitMS = p.MaxCPUTimeMS
	}
	if p.TimeLimitMS <= 0 {
		p.TimeLimitMS = defaultTimeLimitMS
	}
	if p.MemoryLimitBytes <= 0 {
		p.MemoryLimitBytes = defaultMemoryLimit
	}
	p.MaxCPUTimeMS = p.TimeLimitMS
	return p
}

// DefaultPolicy 默认拒绝全部能力
func DefaultPolicy() ExecutionPolicy {
	return ExecutionPolicy{
		TimeLimitMS:      defaultTimeLimitMS,
		MemoryLimitBytes: defaultMemoryLimit,
	}
}

// EventSeverity 安全事件严重级别
type EventSeverity string

const (
	EventSeverityLow      EventSeverity = "low"
	EventSeverityMedium   EventSeverity = "medium"
	EventSeverityHigh     EventSeverity = "high"
	EventSeverityCritical EventSeverity = "critical"
)

// SecurityEvent 执行期间观测到的策略相关行为，追加后不可修改
type SecurityEvent struct {
	Type      string            `json:"type"` // resource_limit / timeout / syscall_blocked / dangerous_primitive
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  EventSeverity     `json:"severity"`
}

// ResourceUsage 单次执行的资源记账，字段单调不减。
// 取值恒不为零：显式基线使 "用量为0" 与 "未测量" 可区分。
type ResourceUsage struct {
	MemoryUsed  int64 `json:"memory_used"`
	CPUTimeUsed int64 `json:"cpu_time_used_ms"`
	PeakMemory  int64 `json:"peak_memory"`
	DiskUsed    int64 `json:"disk_used"`
}

// ExecutionResult 一次执行的完整结果
type ExecutionResult struct {
	Success             bool            `json:"success"`
	Output              string          `json:"output"`
	Events              []SecurityEvent `json:"events"`
	ExitCode            int             `json:"exit_code"`
	ExecutionTimeMS     int64           `json:"execution_time_ms"`
	ResourceUsage       ResourceUsage   `json:"resource_usage"`
	Error               string          `json:"error,omitempty"`
	Terminated          bool            `json:"terminated"` // 外部 Terminate 打断
	NetworkAttempts     int             `json:"network_attempts"`
	SuspiciousBehaviors []string        `json:"suspicious_behaviors"`
}

// Environment 沙箱环境。调用方只持有 ID，结构体归 Manager 独占。
type Environment struct {
	ID        string          `json:"id"`
	Policy    ExecutionPolicy `json:"policy"`
	State     State           `json:"state"`
	Paused    bool            `json:"paused"`
	CreatedAt time.Time       `json:"created_at"`

	usage  ResourceUsage
	events []SecurityEvent
}

// EnvironmentStatus 对外暴露的环境快照视图
type EnvironmentStatus struct {
	ID        string          `json:"id"`
	Policy    ExecutionPolicy `json:"policy"`
	State     State           `json:"state"`
	Paused    bool            `json:"paused"`
	CreatedAt time.Time       `json:"created_at"`
	Usage     ResourceUsage   `json:"usage"`
}

// Snapshot 环境快照：资源计数器与事件历史
type Snapshot struct {
	ID        string          `json:"id"`
	EnvID     string          `json:"env_id"`
	Policy    ExecutionPolicy `json:"policy"`
	Usage     ResourceUsage   `json:"usage"`
	Events    []SecurityEvent `json:"events"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	defaultTimeLimitMS = 30000
	defaultMemoryLimit = 256 * 1024 * 1024

	// shortTimeoutThresholdMS 以下的时限视为严格时限：
	// 无界循环判执行失败；之上成功但带 timeout 事件与退出码124
	shortTimeoutThresholdMS = 1000

	// exitCodeTimeout 与 GNU timeout(1) 约定一致
	exitCodeTimeout = 124

	// 资源记账基线
	baselineMemory  = 4096
	baselineCPUMS   = 1
	baselineDisk    = 512
	memoryPerByte   = 16 // 每字节代码的内存用量估算系数
	cpuPerKilobyte  = 2  // 每KB代码的CPU毫秒估算系数
)
