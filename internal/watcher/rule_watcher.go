package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/errs"
	"github.com/radicalkjax/Athena-sub009/internal/matcher"
)

// RuleWatcher 监控规则目录，把新增或修改的 JSON 规则文件
// 热加载进匹配引擎。规则不可变：同ID重复注册会被拒绝并记日志。
type RuleWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	matcher  *matcher.Matcher
	logger   *logrus.Logger
	debounce time.Duration
	stopChan chan struct{}
}

// ruleFile 规则文件的持久化格式：一个文件装一组规则
type ruleFile struct {
	Rules []matcher.RuleSpec `json:"rules"`
}

// NewRuleWatcher 创建规则监控器并装载目录中已有的规则文件
func NewRuleWatcher(watchDir string, m *matcher.Matcher, logger *logrus.Logger) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	rw := &RuleWatcher{
		watcher:  w,
		watchDir: watchDir,
		matcher:  m,
		logger:   logger,
		debounce: 2 * time.Second,
		stopChan: make(chan struct{}),
	}

	logger.WithField("watch_dir", watchDir).Info("Rule watcher created")
	return rw, nil
}

// Start 装载现有规则文件并启动事件循环
func (rw *RuleWatcher) Start(ctx context.Context) error {
	if err := rw.loadExisting(); err != nil {
		rw.logger.WithError(err).Warn("Failed to load existing rule files")
	}
	go rw.eventLoop(ctx)
	rw.logger.Info("Rule watcher started")
	return nil
}

// Stop 停止监控
func (rw *RuleWatcher) Stop() {
	close(rw.stopChan)
	rw.watcher.Close()
}

func (rw *RuleWatcher) loadExisting() error {
	entries, err := os.ReadDir(rw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		rw.loadFile(filepath.Join(rw.watchDir, entry.Name()))
	}
	return nil
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func (rw *RuleWatcher) eventLoop(ctx context.Context) {
	debounceTimer := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("Rule watcher context done")
			return
		case <-rw.stopChan:
			rw.logger.Info("Rule watcher stopped")
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != fsnotify.Create &&
				event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			if !isRuleFile(filepath.Base(event.Name)) {
				continue
			}

			rw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Rule file event detected")

			// 防抖: 编辑器常对同一文件连续触发多次写事件
			if timer, exists := debounceTimer[event.Name]; exists {
				timer.Stop()
			}
			name := event.Name
			debounceTimer[name] = time.AfterFunc(rw.debounce, func() {
				rw.loadFile(name)
			})

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.WithError(err).Error("Rule watcher error")
		}
	}
}

// loadFile 解析规则文件并逐条注册。重复ID跳过，
// 单条失败不影响同文件的其余规则。
func (rw *RuleWatcher) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		rw.logger.WithError(err).WithField("file", path).Error("Failed to read rule file")
		return
	}

	var rf ruleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		rw.logger.WithError(err).WithField("file", path).Error("Failed to parse rule file")
		return
	}

	added, skipped := 0, 0
	for _, spec := range rf.Rules {
		if err := rw.matcher.AddRule(spec); err != nil {
			if errs.IsKind(err, errs.KindRuleConflict) {
				skipped++
				continue
			}
			rw.logger.WithError(err).WithFields(logrus.Fields{
				"file":    filepath.Base(path),
				"rule_id": spec.ID,
			}).Warn("Rule rejected")
			continue
		}
		added++
	}

	rw.logger.WithFields(logrus.Fields{
		"file":    filepath.Base(path),
		"added":   added,
		"skipped": skipped,
		"total":   rw.matcher.RuleCount(),
	}).Info("Rule file loaded")
}
