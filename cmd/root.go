package cmd

import (
	"io"
	"os"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var configPath string
var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "tagscepter",
	Short: "Localize regressions to the release tag which introduced them",
	Long: `tagscepter bisects the tags of a branch between a known good and a known bad tag.
Every iteration, candidate tags are built by a CI system and judged, until a single tag remains.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set logging format
		formatter := prefixed.TextFormatter{
			FullTimestamp: true,
		}
		logrus.SetFormatter(&formatter)
		setVerbosity(logrus.StandardLogger())
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "The config yml to use. Defaults are used if unset")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the verbosity, may be repeated")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print errors")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// setVerbosity sets the log level according to the verbosity flags
func setVerbosity(log *logrus.Logger) {
	if quiet {
		log.SetLevel(logrus.ErrorLevel)
		return
	}
	switch verbosity {
	case 0:
		log.SetLevel(logrus.InfoLevel)
	case 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
}

// newEngineLog creates the logger handed to the engine. It is one level quieter than the command's own output
func newEngineLog() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(logrus.StandardLogger().Formatter)
	if quiet {
		log.SetOutput(io.Discard)
		return log
	}
	switch verbosity {
	case 0:
		log.SetLevel(logrus.WarnLevel)
	case 1:
		log.SetLevel(logrus.InfoLevel)
	case 2:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

// loadConfig reads the config passed with --config, or returns the default config
func loadConfig() *tagscepter.Config {
	if configPath == "" {
		config := tagscepter.DefaultConfig()
		return &config
	}
	configYaml, err := os.Open(configPath)
	if err != nil {
		logrus.Fatalf("Failed to open config yaml - %v", err)
	}
	defer configYaml.Close()

	config, err := tagscepter.GetConfigFromYaml(configYaml)
	if err != nil {
		logrus.Fatalf("Failed to read config from yaml - %v", err)
	}
	return config
}
