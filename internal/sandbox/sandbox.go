package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/errs"
)

// Manager 沙箱环境注册表。同一环境上的操作串行化，
// 不同环境互不争用；引擎关闭时统一清扫存活环境。
type Manager struct {
	mu        sync.RWMutex
	envs      map[string]*managedEnv
	snapshots map[string]*Snapshot
	mode      Mode
	logger    *logrus.Logger
}

// managedEnv 把环境与其串行化锁、执行取消句柄绑在一起。
// cancel 有独立的锁：Terminate 要在不等待执行完成的前提下打断它。
type managedEnv struct {
	mu       sync.Mutex
	env      *Environment
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (me *managedEnv) setCancel(fn context.CancelFunc) {
	me.cancelMu.Lock()
	me.cancel = fn
	me.cancelMu.Unlock()
}

func (me *managedEnv) interrupt() {
	me.cancelMu.Lock()
	if me.cancel != nil {
		me.cancel()
	}
	me.cancelMu.Unlock()
}

// NewManager 创建沙箱管理器。mode 为空时默认 Enforce。
func NewManager(mode Mode, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if mode == "" {
		mode = ModeEnforce
	}
	return &Manager{
		envs:      make(map[string]*managedEnv),
		snapshots: make(map[string]*Snapshot),
		mode:      mode,
		logger:    logger,
	}
}

// Mode 当前处置模式
func (m *Manager) Mode() Mode { return m.mode }

// CreateEnvironment 以给定策略创建隔离环境，返回环境ID。
// 策略在此一次性归一化，之后不可变。
func (m *Manager) CreateEnvironment(policy ExecutionPolicy) string {
	env := &Environment{
		ID:        uuid.New().String(),
		Policy:    policy.normalize(),
		State:     StateIdle,
		CreatedAt: time.Now(),
		usage: ResourceUsage{
			MemoryUsed:  baselineMemory,
			CPUTimeUsed: baselineCPUMS,
			PeakMemory:  baselineMemory,
			DiskUsed:    baselineDisk,
		},
	}

	m.mu.Lock()
	m.envs[env.ID] = &managedEnv{env: env}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"env_id":        env.ID,
		"time_limit_ms": env.Policy.TimeLimitMS,
		"memory_limit":  env.Policy.MemoryLimitBytes,
	}).Info("Sandbox environment created")
	return env.ID
}

func (m *Manager) lookup(id string) (*managedEnv, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	me, ok := m.envs[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sandbox environment %s not found", id)
	}
	return me, nil
}

// Execute 在环境中执行代码缓冲区。执行是代码的确定性行为模拟：
// 各守卫独立求值，事件经 events 通道实时送出（调用方可传 nil）。
// 环境已终止或暂停时快速失败；执行中可被 Terminate 打断。
func (m *Manager) Execute(ctx context.Context, envID string, code []byte, events chan<- SecurityEvent) (*ExecutionResult, error) {
	me, err := m.lookup(envID)
	if err != nil {
		return nil, err
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if events != nil {
		defer close(events)
	}

	env := me.env
	if env.State == StateTerminated {
		return nil, errs.Newf(errs.KindNotFound, "sandbox environment %s is terminated", envID)
	}
	if env.Paused {
		return nil, errs.Newf(errs.KindInvalidInput, "sandbox environment %s is paused", envID)
	}
	if len(code) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "code buffer must not be empty")
	}
	if !utf8.Valid(code) {
		// 非文本载荷按原始字节走守卫，仅记日志
		m.logger.WithField("env_id", envID).Debug("Executing non-UTF-8 payload")
	}

	execCtx, cancel := context.WithCancel(ctx)
	me.setCancel(cancel)
	defer func() {
		cancel()
		me.setCancel(nil)
	}()

	env.State = StateRunning
	start := time.Now()

	result := m.simulate(execCtx, env, code, events)

	result.ExecutionTimeMS = time.Since(start).Milliseconds()
	if result.ExecutionTimeMS < 1 {
		result.ExecutionTimeMS = 1
	}

	// 终止把状态机推向 Terminated，正常完成回到 Idle
	if result.Terminated {
		env.State = StateTerminated
	} else {
		env.State = StateIdle
	}

	env.events = append(env.events, result.Events...)
	accumulateUsage(&env.usage, result.ResourceUsage)

	m.logger.WithFields(logrus.Fields{
		"env_id":     envID,
		"success":    result.Success,
		"exit_code":  result.ExitCode,
		"events":     len(result.Events),
		"terminated": result.Terminated,
	}).Info("Sandbox execution completed")
	return result, nil
}

// simulate 守卫流水线。守卫彼此独立，事件全量汇入结果。
func (m *Manager) simulate(ctx context.Context, env *Environment, code []byte, events chan<- SecurityEvent) *ExecutionResult {
	result := &ExecutionResult{
		Success: true,
		Output:  "execution completed",
		ResourceUsage: ResourceUsage{
			MemoryUsed:  baselineMemory + int64(len(code))*memoryPerByte,
			CPUTimeUsed: baselineCPUMS + int64(len(code))/1024*cpuPerKilobyte + 1,
			PeakMemory:  baselineMemory + int64(len(code))*memoryPerByte,
			DiskUsed:    baselineDisk,
		},
	}

	verdicts := []guardVerdict{
		memoryGuard(code, env.Policy),
		cpuGuard(code, env.Policy),
		capabilityGuard(code, env.Policy, m.mode),
		dangerousPrimitiveGuard(code),
	}

	for _, v := range verdicts {
		for _, ev := range v.events {
			result.Events = append(result.Events, ev)
			if events != nil {
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			}
		}
		if v.failed && result.Success {
			result.Success = false
			result.Error = v.errMsg
			result.ExitCode = v.exitCode
			result.Output = "execution aborted"
		} else if !v.failed && v.errMsg != "" && result.Success {
			// 宽松时限下的超时：成功结果带超时错误串与退出码
			result.Error = v.errMsg
			result.ExitCode = v.exitCode
		}
	}

	select {
	case <-ctx.Done():
		result.Terminated = true
		result.Success = false
		result.Error = "execution terminated"
		result.ExitCode = 143
		result.Output = "execution terminated"
	default:
	}

	deriveSummaries(result)
	return result
}

// deriveSummaries 从事件日志推导计数与摘要，不另行维护状态
func deriveSummaries(result *ExecutionResult) {
	seen := make(map[string]bool)
	for _, ev := range result.Events {
		if ev.Type == "syscall_blocked" && ev.Details["syscall"] == "network" {
			result.NetworkAttempts++
		}
		if ev.Severity == EventSeverityCritical || ev.Severity == EventSeverityHigh {
			key := ev.Type + ":" + ev.Details["primitive"] + ev.Details["syscall"] + ev.Details["resource"]
			if !seen[key] {
				seen[key] = true
				result.SuspiciousBehaviors = append(result.SuspiciousBehaviors, describeEvent(ev))
			}
		}
	}
	sort.Strings(result.SuspiciousBehaviors)
}

func describeEvent(ev SecurityEvent) string {
	switch ev.Type {
	case "dangerous_primitive":
		return "dangerous primitive: " + ev.Details["primitive"]
	case "syscall_blocked":
		return "blocked capability: " + ev.Details["syscall"]
	case "resource_limit":
		return "resource limit pressure: " + ev.Details["resource"]
	default:
		return ev.Type
	}
}

func accumulateUsage(u *ResourceUsage, delta ResourceUsage) {
	u.MemoryUsed += delta.MemoryUsed
	u.CPUTimeUsed += delta.CPUTimeUsed
	if delta.PeakMemory > u.PeakMemory {
		u.PeakMemory = delta.PeakMemory
	}
	u.DiskUsed += delta.DiskUsed
}

// TerminateEnvironment 终止环境并释放其资源。
// 正在执行时先取消执行上下文，调用方会观察到 terminated 结果。
func (m *Manager) TerminateEnvironment(id string) error {
	me, err := m.lookup(id)
	if err != nil {
		return err
	}

	// 先打断在途执行再等它退出
	me.interrupt()

	me.mu.Lock()
	me.env.State = StateTerminated
	me.mu.Unlock()

	m.logger.WithField("env_id", id).Info("Sandbox environment terminated")
	return nil
}

// GetEnvironmentStatus 查询环境快照视图
func (m *Manager) GetEnvironmentStatus(id string) (*EnvironmentStatus, error) {
	me, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	env := me.env
	return &EnvironmentStatus{
		ID:        env.ID,
		Policy:    env.Policy,
		State:     env.State,
		Paused:    env.Paused,
		CreatedAt: env.CreatedAt,
		Usage:     env.usage,
	}, nil
}

// ListEnvironments 列出全部环境，按创建时间排序
func (m *Manager) ListEnvironments() []*EnvironmentStatus {
	m.mu.RLock()
	ids := make([]string, 0, len(m.envs))
	for id := range m.envs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]*EnvironmentStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := m.GetEnvironmentStatus(id); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pause 置暂停标志；暂停期间 Execute 快速失败
func (m *Manager) Pause(id string) error {
	me, err := m.lookup(id)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.env.State == StateTerminated {
		return errs.Newf(errs.KindNotFound, "sandbox environment %s is terminated", id)
	}
	me.env.Paused = true
	return nil
}

// Resume 清除暂停标志
func (m *Manager) Resume(id string) error {
	me, err := m.lookup(id)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.env.State == StateTerminated {
		return errs.Newf(errs.KindNotFound, "sandbox environment %s is terminated", id)
	}
	me.env.Paused = false
	return nil
}

// SnapshotEnvironment 捕获资源计数器与事件历史，返回快照ID
func (m *Manager) SnapshotEnvironment(id string) (string, error) {
	me, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	me.mu.Lock()
	snap := &Snapshot{
		ID:        uuid.New().String(),
		EnvID:     id,
		Policy:    me.env.Policy,
		Usage:     me.env.usage,
		Events:    append([]SecurityEvent(nil), me.env.events...),
		CreatedAt: time.Now(),
	}
	me.mu.Unlock()

	m.mu.Lock()
	m.snapshots[snap.ID] = snap
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"env_id": id, "snapshot_id": snap.ID}).Info("Sandbox snapshot captured")
	return snap.ID, nil
}

// RestoreSnapshot 由快照重建等价环境并返回新环境ID。
// 未知快照ID返回 KindNotFound，不会静默建出空环境。
func (m *Manager) RestoreSnapshot(snapshotID string) (string, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[snapshotID]
	m.mu.RUnlock()
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "snapshot %s not found", snapshotID)
	}

	env := &Environment{
		ID:        uuid.New().String(),
		Policy:    snap.Policy,
		State:     StateIdle,
		CreatedAt: time.Now(),
		usage:     snap.Usage,
		events:    append([]SecurityEvent(nil), snap.Events...),
	}
	m.mu.Lock()
	m.envs[env.ID] = &managedEnv{env: env}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"snapshot_id": snapshotID, "env_id": env.ID}).Info("Sandbox environment restored")
	return env.ID, nil
}

// Shutdown 清扫全部存活环境；引擎实例之后不得再有孤儿环境
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.envs))
	for id, me := range m.envs {
		me.interrupt()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		me, err := m.lookup(id)
		if err != nil {
			continue
		}
		me.mu.Lock()
		me.env.State = StateTerminated
		me.mu.Unlock()
	}

	m.logger.WithField("swept", len(ids)).Info("Sandbox manager shut down")
}
