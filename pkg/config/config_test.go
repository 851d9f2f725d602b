package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-delve/machtask/pkg/mach"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
poll-interval: 20ms
nonblocking-timeout: 1s
stop-signals: [SIGTRAP, usr1, "2"]
nonblocking: true
thread-list-capacity: 8
thread-list-retries: 2
path-cache-size: 16
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, c.Nonblocking)
	assert.Equal(t, []string{"SIGTRAP", "usr1", "2"}, c.StopSignals)

	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, opts.PollInterval)
	assert.Equal(t, time.Second, opts.NonblockingTimeout)
	assert.Equal(t, time.Duration(0), opts.ReplyTimeout)
	assert.Equal(t, 8, opts.ThreadListCapacity)
	assert.Equal(t, 2, opts.ThreadListRetries)
	assert.Equal(t, 16, opts.PathCacheSize)

	signal := func(sig unix.Signal) mach.ExceptionInfo {
		return mach.ExceptionInfo{Type: mach.ExcSoftware, Codes: []int32{mach.ExcSoftSignal, int32(sig)}}
	}
	assert.True(t, opts.Stops.Stops(signal(unix.SIGTRAP)))
	assert.True(t, opts.Stops.Stops(signal(unix.SIGUSR1)))
	assert.True(t, opts.Stops.Stops(signal(unix.SIGINT)))
	assert.False(t, opts.Stops.Stops(signal(unix.SIGUSR2)))
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, mach.Options{}, opts)
}

func TestInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"bad duration":      "poll-interval: soon\n",
		"negative duration": "reply-timeout: -5ms\n",
		"unknown signal":    "stop-signals: [SIGNOPE]\n",
		"signal zero":       "stop-signals: [\"0\"]\n",
		"negative capacity": "thread-list-capacity: -1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := LoadConfig(writeConfig(t, content))
			require.NoError(t, err)
			_, err = c.Options()
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(writeConfig(t, "stop-signals: {\n"))
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yml")
	in := &Config{PollInterval: "5ms", StopSignals: []string{"SIGTRAP"}, PathCacheSize: 4}
	require.NoError(t, SaveConfig(in, path))

	out, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDefaultConfigFile(t *testing.T) {
	dir := t.TempDir()
	old, had := os.LookupEnv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", dir))
	defer func() {
		if had {
			os.Setenv("XDG_CONFIG_HOME", old)
		} else {
			os.Unsetenv("XDG_CONFIG_HOME")
		}
	}()

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c)

	path, err := GetConfigFilePath(configFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "machtask", "config.yml"), path)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# stop-signals: [SIGTRAP]")
}

func TestParseSignal(t *testing.T) {
	for in, want := range map[string]unix.Signal{
		"SIGTRAP": unix.SIGTRAP,
		"trap":    unix.SIGTRAP,
		"SigUsr1": unix.SIGUSR1,
		"9":       unix.SIGKILL,
	} {
		sig, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, sig, in)
	}
}
