package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

// 测试第一次就成功
func TestDoFirstAttemptSucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// 测试重试后成功
func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// 测试达到最大尝试次数
func TestDoMaxAttemptsReached(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
}

// 测试不可重试错误立即中止
func TestDoNonRetryableAborts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(errors.New("fatal"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// 测试上下文取消中止重试
func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, quietConfig(3), func(ctx context.Context) error {
		return errors.New("should not matter")
	})
	assert.Error(t, err)
}

// 测试退避间隔计算
func TestNextInterval(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	assert.Equal(t, base, nextInterval(StrategyFixed, base, base, max, 3))
	assert.Equal(t, 3*base, nextInterval(StrategyLinear, base, base, max, 3))
	assert.Equal(t, 4*base, nextInterval(StrategyExponential, base, base, max, 3))
	// 指数退避封顶于最大间隔
	assert.Equal(t, max, nextInterval(StrategyExponential, base, base, max, 6))
}

// 测试错误分类
func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("plain error")))
	assert.True(t, IsRetryable(NewRetryableError(errors.New("x"))))
	assert.False(t, IsRetryable(NewNonRetryableError(errors.New("x"))))
}
