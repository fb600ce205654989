package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "phv.log")
	closer, err := Setup("debug", path)
	require.NoError(t, err)
	defer logrus.SetOutput(os.Stderr)

	logrus.WithField("module", "test").Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "module=test")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestSetupBadLevel(t *testing.T) {
	_, err := Setup("loud", "")
	assert.Error(t, err)
}

func TestLogErrorIncludesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phv.log")
	closer, err := Setup("info", path)
	require.NoError(t, err)
	defer logrus.SetOutput(os.Stderr)

	root := errors.New("connection refused")
	LogError(fmt.Errorf("fetch tail: %w", root), "poll failed", 0, logrus.Fields{"page": 2})
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, "poll failed"))
	assert.Contains(t, line, "errInfo_0=\"connection refused\"")
	assert.Contains(t, line, "page=2")
	assert.Contains(t, line, "_file=logging_test.go")
}
