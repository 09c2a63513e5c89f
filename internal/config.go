package internal

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"github.com/goccy/go-yaml"
	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
)

var (
	ErrConfigPathMissing = errors.New("error: config file missing")
)

// Config contains the proxy and worker configuration parameters
type Config struct {
	URL           string `yaml:"url" default:"127.0.0.1:8888"`
	DBDSN         string `yaml:"db_dsn" default:"gpuproxy.db"`
	MaxC2         int    `yaml:"max_c2" default:"1"`
	DisableWorker bool   `yaml:"disable_worker"`
	Debug         bool   `yaml:"debug"`

	ResourceType     string   `yaml:"resource_type" default:"db"`
	ResourcePath     string   `yaml:"resource_path"`
	ResourceCacheTTL Duration `yaml:"resource_cache_ttl"`

	PollInterval     Duration `yaml:"poll_interval"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
	ReportRetries    int      `yaml:"report_retries" default:"5"`
	// TaskLeaseTimeout must exceed the longest proof run: Running tasks
	// send no heartbeat.
	TaskLeaseTimeout Duration `yaml:"task_lease_timeout"`
	StatsSchedule    string   `yaml:"stats_schedule" default:"@every 1m"`

	ProverCmd string `yaml:"prover_cmd"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange" default:"gpuproxy.tasks"`

	WorkerIDPath string `yaml:"worker_id_path" default:"~/.gpuproxy/worker.json"`

	path string
}

const (
	defaultPollInterval = 10 * time.Second
	defaultRetryBackoff = time.Second
)

// Duration is a time.Duration written as "10s" in yaml.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}

	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
	case uint64:
		d.Duration = time.Duration(value)
	case int64:
		d.Duration = time.Duration(value)
	case int:
		d.Duration = time.Duration(value)
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// UnmarshalText lets flags and environment values use the same format.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// SetDefaults implements defaults.Setter for the fields struct tags cannot
// express.
func (c *Config) SetDefaults() {
	if defaults.CanUpdate(c.PollInterval.Duration) {
		c.PollInterval = NewDuration(defaultPollInterval)
	}
	if defaults.CanUpdate(c.RetryBackoff.Duration) {
		c.RetryBackoff = NewDuration(defaultRetryBackoff)
	}
}

// NewConfig returns a configuration with every default applied
func NewConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		log.WithError(err).Fatal("error setting config defaults")
	}
	return cfg
}

// Validate expands the configured paths and checks the values that cannot
// be defaulted sensibly.
func (c *Config) Validate() error {
	for _, p := range []*string{&c.ResourcePath, &c.WorkerIDPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}

	switch c.ResourceType {
	case ResourceTypeDB:
	case ResourceTypeFS:
		if c.ResourcePath == "" {
			c.ResourcePath = filepath.Join(filepath.Dir(c.DBDSN), "resources")
		}
	default:
		return ErrInvalidResourceType
	}

	if c.MaxC2 < 1 {
		c.MaxC2 = 1
	}
	if c.ReportRetries < 0 {
		c.ReportRetries = 0
	}

	return nil
}

// ConfigFromReader reads an io.Reader `r` and parses it into a *Config
// object on top of the defaults
func ConfigFromReader(r io.Reader) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads a configuration from the given path
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := ConfigFromReader(f)
	if err != nil {
		return nil, err
	}

	cfg.path = path

	return cfg, nil
}

func (c *Config) String() string {
	data, err := yaml.MarshalWithOptions(c, yaml.Indent(4))
	if err != nil {
		log.WithError(err).Warn("error marshalling config")
		return ""
	}
	return string(data)
}

// Save saves the configuration to the provided path
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return ErrConfigPathMissing
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	data, err := yaml.MarshalWithOptions(c, yaml.Indent(4))
	if err != nil {
		f.Close()
		return err
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
