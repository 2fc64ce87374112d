package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Image            string   `yaml:"image"`
	Rootfs           string   `yaml:"rootfs"`
	ExtractDir       string   `yaml:"extract_dir"`
	Digest           string   `yaml:"digest"`
	Lock             string   `yaml:"lock"`
	Copy             []string `yaml:"copy"`
	Namespaces       []string `yaml:"namespaces"`
	JoinPIDNamespace *bool    `yaml:"join_pid_namespace"`
	HostName         string   `yaml:"hostname"`
	WorkDir          string   `yaml:"workdir"`
	Mounts           []string `yaml:"mounts"`
	Env              []string `yaml:"env"`
	OutputLimit      int64    `yaml:"output_limit"`
	Command          []string `yaml:"command"`
	Seccomp          struct {
		Enabled bool     `yaml:"enabled"`
		Deny    []string `yaml:"deny"`
		Action  string   `yaml:"action"`
	} `yaml:"seccomp"`
	LogLevel string `yaml:"log_level"`
}

func loadConfigFile(configPath string) (fileConfig, string, error) {
	var cfg fileConfig
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return cfg, "", err
	}
	if path == "" {
		return cfg, "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("failed to read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, "", fmt.Errorf("failed to parse YAML in %s: %v", path, err)
	}
	return cfg, path, nil
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	// XDG default: $XDG_CONFIG_HOME/nsboot/config.yaml or ~/.config/nsboot/config.yaml
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", nil
		}
		base = filepath.Join(h, ".config")
	}
	path := filepath.Join(base, "nsboot", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}

// mergeConfig applies CLI over file config (CLI wins). Lists are taken
// from one source only, the CLI if it has any. The command line program
// replaces the file command.
func mergeConfig(file fileConfig, cliCfg Config, args []string) (Config, []string) {
	final := cliCfg

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&final.Image, file.Image)
	fill(&final.Rootfs, file.Rootfs)
	fill(&final.ExtractDir, file.ExtractDir)
	fill(&final.Digest, file.Digest)
	fill(&final.Lock, file.Lock)
	fill(&final.Namespaces, strings.Join(file.Namespaces, ","))
	fill(&final.HostName, file.HostName)
	fill(&final.WorkDir, file.WorkDir)
	fill(&final.SeccompAction, file.Seccomp.Action)
	fill(&final.LogLevel, file.LogLevel)

	fillList := func(dst *[]string, v []string) {
		if len(*dst) == 0 {
			*dst = v
		}
	}
	fillList(&final.Copies, file.Copy)
	fillList(&final.Mounts, file.Mounts)
	fillList(&final.Env, file.Env)
	fillList(&final.SeccompDeny, file.Seccomp.Deny)

	if final.OutputLimit == 0 {
		final.OutputLimit = file.OutputLimit
	}
	if !final.Seccomp && file.Seccomp.Enabled {
		final.Seccomp = true
	}
	if !final.NoJoinPIDNamespace && file.JoinPIDNamespace != nil {
		final.NoJoinPIDNamespace = !*file.JoinPIDNamespace
	}

	command := args
	if len(command) == 0 {
		command = file.Command
	}
	return final, command
}
