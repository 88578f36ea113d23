package config

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseFlags parses command line flags and returns the config file path
func ParseFlags() (configFile string, generateConfig bool, err error) {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "Path to configuration file")
	fs.BoolVar(&generateConfig, "generate-config", false, "Print an example configuration file and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return "", false, err
	}

	return configFile, generateConfig, nil
}

// GenerateExampleConfig writes the default configuration as YAML
func GenerateExampleConfig(w io.Writer) error {
	data, err := yaml.Marshal(getDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render example config: %w", err)
	}
	if _, err := fmt.Fprintln(w, "# tmi-collab configuration. Every key can be overridden by its"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "# environment variable, optionally with a TMI_ prefix."); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
