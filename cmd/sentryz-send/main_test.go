package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/sentryz"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		sentryz.EnvDSN, sentryz.EnvRelease, sentryz.EnvEnvironment,
		sentryz.EnvDebug, sentryz.EnvDryMode, sentryz.EnvTracesSampleRate,
	} {
		t.Setenv(name, "")
	}
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-m", "hello", "--tag", "a=1", "--tag", "b=2", "--timeout", "2s", "--dry-run"})
	require.NoError(t, err)
	assert.Equal(t, "hello", f.message)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, f.tags)
	assert.Equal(t, 2*time.Second, f.timeout)
	assert.True(t, f.dryRun)
	assert.Equal(t, "info", f.level)

	_, err = parseFlags(nil)
	assert.Error(t, err)

	_, err = parseFlags([]string{"--unknown"})
	assert.Error(t, err)
}

func TestOptionsPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sentryz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"dsn: https://file@example.com/1\nrelease: from-file\nenvironment: from-file\nserver_name: file-host\n"), 0o600))
	t.Setenv(sentryz.EnvRelease, "from-env")

	f, err := parseFlags([]string{"-t", "job", "--config", path, "--environment", "from-flag"})
	require.NoError(t, err)
	opts, err := f.options()
	require.NoError(t, err)

	assert.Equal(t, "https://file@example.com/1", opts.DSN)
	assert.Equal(t, "from-env", opts.Release)
	assert.Equal(t, "from-flag", opts.Environment)
	assert.Equal(t, "file-host", opts.ServerName)
	require.NotNil(t, opts.TracesSampleRate)
	assert.Equal(t, 1.0, *opts.TracesSampleRate)
}

func TestRunDryMode(t *testing.T) {
	clearEnv(t)
	err := run([]string{"--dry-run", "-m", "hello", "-e", "boom", "-t", "job", "--timeout", "5s"})
	assert.NoError(t, err)
}

func TestRunWithoutDSN(t *testing.T) {
	clearEnv(t)
	err := run([]string{"-m", "hello"})
	assert.ErrorContains(t, err, "no usable DSN")
}
