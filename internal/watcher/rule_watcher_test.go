package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radicalkjax/Athena-sub009/internal/matcher"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

// 测试启动时装载目录中已有的规则文件
func TestLoadExistingRuleFiles(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	dir := t.TempDir()
	writeRuleFile(t, dir, "custom.json", `{
		"rules": [
			{"id": "team_marker", "name": "Team Marker", "category": "custom",
			 "severity": "low", "kind": "literal", "pattern": "TEAM_MARK", "weight": 0.5}
		]
	}`)

	m := matcher.NewMatcher(logger)
	before := m.RuleCount()

	rw, err := NewRuleWatcher(dir, m, logger)
	require.NoError(t, err)
	defer rw.Stop()
	require.NoError(t, rw.loadExisting())

	assert.Equal(t, before+1, m.RuleCount())
}

// 测试重复ID与坏文件不影响其余规则装载
func TestLoadFileToleratesBadEntries(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	dir := t.TempDir()
	m := matcher.NewMatcher(logger)
	rw, err := NewRuleWatcher(dir, m, logger)
	require.NoError(t, err)
	defer rw.Stop()

	before := m.RuleCount()
	writeRuleFile(t, dir, "mixed.json", `{
		"rules": [
			{"id": "dangerous_function_eval", "name": "dup", "category": "custom",
			 "severity": "low", "kind": "literal", "pattern": "x", "weight": 0.5},
			{"id": "broken", "name": "bad regex", "category": "custom",
			 "severity": "low", "kind": "regex", "pattern": "([", "weight": 0.5},
			{"id": "valid_one", "name": "ok", "category": "custom",
			 "severity": "medium", "kind": "literal", "pattern": "MARKER", "weight": 0.6}
		]
	}`)
	rw.loadFile(filepath.Join(dir, "mixed.json"))

	assert.Equal(t, before+1, m.RuleCount())

	writeRuleFile(t, dir, "garbage.json", `not json at all`)
	rw.loadFile(filepath.Join(dir, "garbage.json"))
	assert.Equal(t, before+1, m.RuleCount())
}
