package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".memscope"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	Tracer   TracerConfig   `yaml:"tracer"`
	Resolver ResolverConfig `yaml:"resolver"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Pointer  PointerConfig  `yaml:"pointer"`
}

type TracerConfig struct {
	// QueueSize bounds the channel between trap threads and the delivery loop.
	QueueSize int `yaml:"queue-size"`
	// RearmRetries bounds how many times the thread list is re-snapshotted
	// while installing a watch.
	RearmRetries int `yaml:"rearm-retries"`
}

type ResolverConfig struct {
	CacheSize int `yaml:"cache-size"`
}

type ProxyConfig struct {
	// SocketDir holds the helper's unix sockets, os.TempDir() when empty.
	SocketDir string `yaml:"socket-dir"`
	// HelperPath is the helper binary launched on a bitness mismatch.
	HelperPath string `yaml:"helper-path"`
	// HelperPath32 overrides HelperPath for 32-bit targets.
	HelperPath32 string        `yaml:"helper-path-32"`
	DialTimeout  time.Duration `yaml:"dial-timeout"`
	PollInterval time.Duration `yaml:"poll-interval"`
	// HoldOnMisconfig keeps a misconfigured helper alive until it is
	// signalled instead of exiting straight away.
	HoldOnMisconfig bool `yaml:"hold-on-misconfig"`
}

type PointerConfig struct {
	PageSize int    `yaml:"page-size"`
	DataType string `yaml:"data-type"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Tracer: TracerConfig{
			QueueSize:    256,
			RearmRetries: 5,
		},
		Resolver: ResolverConfig{
			CacheSize: 4096,
		},
		Proxy: ProxyConfig{
			HelperPath:   "memscope-helper",
			HelperPath32: "memscope-helper32",
			DialTimeout:  5 * time.Second,
			PollInterval: 50 * time.Millisecond,
		},
		Pointer: PointerConfig{
			PageSize: 20,
			DataType: "int32",
		},
	}
}

// Parse decodes a YAML document on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.fill()
	return c, nil
}

// fill restores defaults for values a partial file zeroed out.
func (c *Config) fill() {
	d := Default()
	if c.Tracer.QueueSize <= 0 {
		c.Tracer.QueueSize = d.Tracer.QueueSize
	}
	if c.Tracer.RearmRetries <= 0 {
		c.Tracer.RearmRetries = d.Tracer.RearmRetries
	}
	if c.Resolver.CacheSize <= 0 {
		c.Resolver.CacheSize = d.Resolver.CacheSize
	}
	if c.Proxy.DialTimeout <= 0 {
		c.Proxy.DialTimeout = d.Proxy.DialTimeout
	}
	if c.Proxy.PollInterval <= 0 {
		c.Proxy.PollInterval = d.Proxy.PollInterval
	}
	if c.Proxy.HelperPath == "" {
		c.Proxy.HelperPath = d.Proxy.HelperPath
	}
	if c.Pointer.PageSize <= 0 {
		c.Pointer.PageSize = d.Pointer.PageSize
	}
	if c.Pointer.DataType == "" {
		c.Pointer.DataType = d.Pointer.DataType
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file,
// writing the defaults there first if it does not exist yet.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		if err := SaveConfig(Default()); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
		}
		return Default()
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if home := os.Getenv("MEMSCOPE_HOME"); home != "" {
		return path.Join(home, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
