package sandbox

import (
	"fmt"
	"regexp"
	"time"
)

// 守卫是针对代码缓冲区的独立检测器，互不依赖。
// 每个守卫产出零或多个安全事件，部分守卫可将执行判为失败。

type guardVerdict struct {
	events   []SecurityEvent
	failed   bool
	errMsg   string
	exitCode int
}

var (
	// 无界循环形态
	unboundedLoopRe = regexp.MustCompile(`(?i)(while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)|loop\s*\{|goto\s+\w+)`)

	// 失控分配形态：循环体内持续增长的集合
	runawayAllocRe = regexp.MustCompile(`(?i)(while|for)[^\n]{0,80}\{[^}]{0,400}(push|append|concat|\+=\s*new|new\s+Array|malloc|make\()`)
	largeAllocRe   = regexp.MustCompile(`(?i)(new\s+Array\s*\(\s*\d{7,}|alloc\w*\s*\(\s*\d{8,}|Buffer\.alloc\s*\(\s*\d{8,})`)

	// 能力探测
	networkRe    = regexp.MustCompile(`(?i)(socket\s*\(|connect\s*\(|fetch\s*\(|XMLHttpRequest|http[s]?://|WebSocket\s*\(|net\.Dial|curl\s|wget\s)`)
	filesystemRe = regexp.MustCompile(`(?i)(fopen\s*\(|open\s*\([^)]*O_|readFile|writeFile|fs\.\w+\s*\(|os\.Open|ioutil\.|CreateFile[AW]?\s*\()`)
	processRe    = regexp.MustCompile(`(?i)(fork\s*\(|exec[lv]?[pe]?\s*\(|CreateProcess[AW]?|spawn\s*\(|system\s*\(|popen\s*\(|child_process)`)
	registryRe   = regexp.MustCompile(`(?i)(RegOpenKey|RegSetValue|RegCreateKey|HKEY_(LOCAL_MACHINE|CURRENT_USER)|reg\s+add\s)`)

	// 无条件高危原语：策略允许与否都要记 Critical 事件
	injectionRe   = regexp.MustCompile(`(VirtualAllocEx|WriteProcessMemory|CreateRemoteThread|NtMapViewOfSection|ptrace\s*\()`)
	forkBombRe    = regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:|while\s*\(\s*(true|1)\s*\)[^\n]{0,40}fork\s*\(`)
	destructiveRe = regexp.MustCompile(`(?i)(rm\s+-rf\s+/|format\s+c:|vssadmin\s+delete\s+shadows|del\s+/f\s+/s\s+/q)`)
	c2SocketRe    = regexp.MustCompile(`(?i)(nc\s+-e|reverse.?shell|/dev/tcp/\d|bind.?shell|meterpreter|beacon\s*\()`)
)

func newEvent(evType string, severity EventSeverity, details map[string]string) SecurityEvent {
	return SecurityEvent{
		Type:      evType,
		Details:   details,
		Timestamp: time.Now(),
		Severity:  severity,
	}
}

// memoryGuard 估算代码的内存压力并对照限额。
// 失控分配判失败，边界性的大额分配成功但带事件。
func memoryGuard(code []byte, policy ExecutionPolicy) guardVerdict {
	var v guardVerdict
	estimated := baselineMemory + int64(len(code))*memoryPerByte

	runaway := runawayAllocRe.Match(code)
	large := largeAllocRe.Match(code)
	if runaway || large {
		// 分配形态按限额的倍数折算估值
		estimated += policy.MemoryLimitBytes
	}

	if estimated > policy.MemoryLimitBytes {
		v.events = append(v.events, newEvent("resource_limit", EventSeverityHigh, map[string]string{
			"resource":  "memory",
			"limit":     fmt.Sprintf("%d", policy.MemoryLimitBytes),
			"estimated": fmt.Sprintf("%d", estimated),
		}))
		if runaway {
			v.failed = true
			v.errMsg = "memory limit exceeded: runaway allocation detected"
			v.exitCode = 137
		}
	}
	return v
}

// cpuGuard 检测无界循环。严格时限（≤1000ms）判失败；
// 宽松时限下成功返回，但带 timeout 事件与退出码124，
// 让调用方区分 "沙箱内观察到超时" 与 "沙箱自身失败"。
func cpuGuard(code []byte, policy ExecutionPolicy) guardVerdict {
	var v guardVerdict
	if !unboundedLoopRe.Match(code) {
		return v
	}
	v.events = append(v.events, newEvent("timeout", EventSeverityMedium, map[string]string{
		"reason":        "unbounded loop pattern",
		"time_limit_ms": fmt.Sprintf("%d", policy.TimeLimitMS),
	}))
	if policy.TimeLimitMS <= shortTimeoutThresholdMS {
		v.failed = true
		v.errMsg = fmt.Sprintf("CPU time limit exceeded (%dms)", policy.TimeLimitMS)
		v.exitCode = exitCodeTimeout
	} else {
		v.errMsg = fmt.Sprintf("execution timed out after %dms", policy.TimeLimitMS)
		v.exitCode = exitCodeTimeout
	}
	return v
}

// capabilityGuard 对网络/文件系统/进程/注册表四类能力逐一探测。
// 每次尝试记一条 syscall_blocked 事件；被策略拒绝的能力在
// Enforce 模式下判失败，Observe 模式只记录。
func capabilityGuard(code []byte, policy ExecutionPolicy, mode Mode) guardVerdict {
	var v guardVerdict
	type capability struct {
		name    string
		re      *regexp.Regexp
		allowed bool
	}
	caps := []capability{
		{"network", networkRe, policy.AllowNetwork},
		{"filesystem", filesystemRe, policy.AllowFilesystem},
		{"process", processRe, policy.AllowProcess},
		{"registry", registryRe, policy.AllowRegistry},
	}
	for _, c := range caps {
		locs := c.re.FindAllIndex(code, -1)
		if len(locs) == 0 {
			continue
		}
		severity := EventSeverityMedium
		if !c.allowed {
			severity = EventSeverityHigh
		}
		for range locs {
			v.events = append(v.events, newEvent("syscall_blocked", severity, map[string]string{
				"syscall": c.name,
				"allowed": fmt.Sprintf("%t", c.allowed),
			}))
		}
		if !c.allowed && mode == ModeEnforce && !v.failed {
			v.failed = true
			v.errMsg = fmt.Sprintf("capability denied: %s access blocked by policy", c.name)
			v.exitCode = 1
		}
	}
	return v
}

// dangerousPrimitiveGuard 无条件高危原语检测。
// 策略允许什么都不影响：这些行为本身即可疑，恒记 Critical 事件。
func dangerousPrimitiveGuard(code []byte) guardVerdict {
	var v guardVerdict
	type primitive struct {
		name string
		re   *regexp.Regexp
	}
	prims := []primitive{
		{"process_injection", injectionRe},
		{"fork_bomb", forkBombRe},
		{"destructive_filesystem", destructiveRe},
		{"c2_socket", c2SocketRe},
	}
	for _, p := range prims {
		if p.re.Match(code) {
			v.events = append(v.events, newEvent("dangerous_primitive", EventSeverityCritical, map[string]string{
				"primitive": p.name,
			}))
		}
	}
	return v
}
