package tagscepter

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type configYaml struct {
	Database string `yaml:"database" default:"tagscepter.db"`
	Tags     string `yaml:"tags"`

	DefaultBuildService string `yaml:"defaultBuildService"`
	ParallelCandidates  int    `yaml:"parallelCandidates" default:"1"`
	AutoFeedback        bool   `yaml:"autoFeedback"`

	Dispatch dispatchYaml `yaml:"dispatch"`
	Poll     pollYaml     `yaml:"poll"`
	Server   serverYaml   `yaml:"server"`

	BuildServices []BuildServiceConfig `yaml:"buildServices"`
}

type dispatchYaml struct {
	Retries int `yaml:"retries" default:"5"`

	Backoff           int     `yaml:"backoff" default:"500"` // In milliseconds
	BackoffMultiplier float64 `yaml:"backoffMultiplier" default:"2"`
	MaxBackoff        int     `yaml:"maxBackoff" default:"30000"` // In milliseconds

	MaxConcurrent int `yaml:"maxConcurrent"`
}

type pollYaml struct {
	Schedule      string  `yaml:"schedule" default:"@every 15s"`
	RatePerSecond float64 `yaml:"ratePerSecond" default:"5"`
	Burst         int     `yaml:"burst" default:"1"`
}

type serverYaml struct {
	Host string `yaml:"host" default:"localhost"`
	Port int    `yaml:"port" default:"40032"`
}

// BuildServiceConfig describes one build service candidates can be dispatched to.
// Which fields are used depends on the type.
type BuildServiceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // One of script, docker or http

	Script string `yaml:"script"` // script: shell script run per build, $COMMIT and $TAG are set

	Image   string   `yaml:"image"`   // docker: the image to run per build
	Command []string `yaml:"command"` // docker: the command to run, $COMMIT and $TAG are set in its environment

	TriggerURL string `yaml:"triggerUrl"` // http: receives a POST for every build
	StatusURL  string `yaml:"statusUrl"`  // http: queried with GET, %s is replaced by the external build ID
	Token      string `yaml:"token"`      // http: sent as bearer token

	Env map[string]string `yaml:"env"` // Additional environment for script and docker builds
}

// PollConfig configures the loop polling external build status
type PollConfig struct {
	Schedule      string  // A cron spec, e.g. "@every 15s". Empty disables polling
	RatePerSecond float64 // The maximum amount of status polls per second
	Burst         int
}

// ServerConfig configures the control surface
type ServerConfig struct {
	Host string
	Port int
}

// Config holds the configuration of an [Engine] and the service around it
type Config struct {
	Database string // Path of the SQLite database
	TagsPath string // Optional path to a tags yaml loaded on startup

	DefaultBuildService string // The build service used by tasks which don't name one
	ParallelCandidates  int    // How many candidates are dispatched per iteration. 1 is pure bisection
	AutoFeedback        bool   // Whether successful and failed builds are turned into verdicts automatically

	Dispatch                RetryConfig // Retry behaviour when triggering builds
	MaxConcurrentDispatches int         // The max amount of builds being triggered concurrently, or 0 if no limit

	Poll   PollConfig
	Server ServerConfig

	BuildServices []BuildServiceConfig
}

// DefaultConfig returns the configuration used when no config file is given
func DefaultConfig() Config {
	config, _ := GetConfigFromYaml(strings.NewReader("{}"))
	return *config
}

// GetConfigFromYaml reads in a config in yaml format from a reader and initializes the corresponding config struct
func GetConfigFromYaml(r io.Reader) (*Config, error) {
	var config configYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for _, v := range []any{&config, &config.Dispatch, &config.Poll, &config.Server} {
		if err := defaults.Set(v); err != nil {
			return nil, err
		}
	}

	names := make(map[string]bool)
	for _, service := range config.BuildServices {
		if service.Name == "" {
			return nil, fmt.Errorf("%w: build service without name", ErrInvalidArgument)
		}
		if names[service.Name] {
			return nil, fmt.Errorf("%w: duplicate build service %s", ErrInvalidArgument, service.Name)
		}
		names[service.Name] = true
	}
	if config.DefaultBuildService == "" && len(config.BuildServices) > 0 {
		config.DefaultBuildService = config.BuildServices[0].Name
	}
	if config.DefaultBuildService != "" && len(config.BuildServices) > 0 && !names[config.DefaultBuildService] {
		return nil, fmt.Errorf("%w: default build service %s is not configured", ErrInvalidArgument, config.DefaultBuildService)
	}
	if config.ParallelCandidates < 1 {
		return nil, fmt.Errorf("%w: parallelCandidates must be at least 1, got %d", ErrInvalidArgument, config.ParallelCandidates)
	}

	// Convert to Config struct
	return &Config{
		Database: config.Database,
		TagsPath: config.Tags,

		DefaultBuildService: config.DefaultBuildService,
		ParallelCandidates:  config.ParallelCandidates,
		AutoFeedback:        config.AutoFeedback,

		Dispatch: RetryConfig{
			Retries: config.Dispatch.Retries,

			Backoff: time.Duration(config.Dispatch.Backoff) * time.Millisecond,

			BackoffMultiplier: config.Dispatch.BackoffMultiplier,
			MaxBackoff:        time.Duration(config.Dispatch.MaxBackoff) * time.Millisecond,
		},
		MaxConcurrentDispatches: config.Dispatch.MaxConcurrent,

		Poll: PollConfig{
			Schedule:      config.Poll.Schedule,
			RatePerSecond: config.Poll.RatePerSecond,
			Burst:         config.Poll.Burst,
		},
		Server: ServerConfig{
			Host: config.Server.Host,
			Port: config.Server.Port,
		},

		BuildServices: config.BuildServices,
	}, nil
}
