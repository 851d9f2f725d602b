package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/machtask/pkg/mach"
)

const (
	configDir  string = "machtask"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// PollInterval bounds each blocking receive of the wait loop, that is
	// how quickly an interrupted wait notices it.
	PollInterval string `yaml:"poll-interval,omitempty"`
	// NonblockingTimeout is how long a non-blocking wait waits for a message.
	NonblockingTimeout string `yaml:"nonblocking-timeout,omitempty"`
	// ReplyTimeout is the send timeout of exception replies.
	ReplyTimeout string `yaml:"reply-timeout,omitempty"`

	// StopSignals lists the signals reported as stops. Other signals are
	// passed through to the target. Defaults to SIGTRAP.
	StopSignals []string `yaml:"stop-signals,omitempty"`

	// Nonblocking makes waits return after NonblockingTimeout when nothing
	// happened.
	Nonblocking bool `yaml:"nonblocking"`

	ThreadListCapacity int `yaml:"thread-list-capacity,omitempty"`
	ThreadListRetries  int `yaml:"thread-list-retries,omitempty"`
	// PathCacheSize is the number of executable paths remembered.
	PathCacheSize int `yaml:"path-cache-size,omitempty"`
}

// LoadConfig populates a Config object from the config.yml file. An empty
// file argument selects the default location, where a commented default
// file is created if there is none.
func LoadConfig(file string) (*Config, error) {
	if file == "" {
		if err := createConfigPath(); err != nil {
			return nil, fmt.Errorf("could not create config directory: %v", err)
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to get config file path: %v", err)
		}
		if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				return nil, err
			}
		}
		file = fullConfigFile
	}

	data, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", file, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct to file, or to the
// default location if file is empty.
func SaveConfig(conf *Config, file string) error {
	if file == "" {
		if err := createConfigPath(); err != nil {
			return err
		}
		var err error
		file, err = GetConfigFilePath(configFile)
		if err != nil {
			return err
		}
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

// Options converts the configuration to controller options. Unset values
// are left to the controller defaults.
func (c *Config) Options() (mach.Options, error) {
	var opts mach.Options
	var err error
	if opts.PollInterval, err = parseDuration("poll-interval", c.PollInterval); err != nil {
		return opts, err
	}
	if opts.NonblockingTimeout, err = parseDuration("nonblocking-timeout", c.NonblockingTimeout); err != nil {
		return opts, err
	}
	if opts.ReplyTimeout, err = parseDuration("reply-timeout", c.ReplyTimeout); err != nil {
		return opts, err
	}
	if len(c.StopSignals) > 0 {
		signals := make([]unix.Signal, 0, len(c.StopSignals))
		for _, name := range c.StopSignals {
			sig, err := ParseSignal(name)
			if err != nil {
				return opts, err
			}
			signals = append(signals, sig)
		}
		opts.Stops = mach.NewStopFilter(signals...)
	}
	for _, v := range []struct {
		key string
		val int
	}{
		{"thread-list-capacity", c.ThreadListCapacity},
		{"thread-list-retries", c.ThreadListRetries},
		{"path-cache-size", c.PathCacheSize},
	} {
		if v.val < 0 {
			return opts, fmt.Errorf("%s must not be negative, got %d", v.key, v.val)
		}
	}
	opts.ThreadListCapacity = c.ThreadListCapacity
	opts.ThreadListRetries = c.ThreadListRetries
	opts.PathCacheSize = c.PathCacheSize
	return opts, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: %s is not positive", key, s)
	}
	return d, nil
}

// ParseSignal parses a signal given by name, with or without the SIG
// prefix, or by number.
func ParseSignal(s string) (unix.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(unix.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for machctl.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# How often a blocking wait checks whether it was interrupted.
# poll-interval: 10ms

# How long a non-blocking wait waits for an event.
# nonblocking-timeout: 10ms

# Send timeout of exception replies.
# reply-timeout: 10ms

# Signals reported as stops. Every other signal is passed through to the target.
# stop-signals: [SIGTRAP]

# Uncomment the following line to make waits return when nothing happened.
# nonblocking: true

# Initial capacity of thread lists, doubled up to thread-list-retries times.
# thread-list-capacity: 32
# thread-list-retries: 4

# Number of executable paths remembered.
# path-cache-size: 64
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
