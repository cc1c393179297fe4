package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/comfyd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage comfyd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.comfyd/config.yaml"
	if dir, err := comfyd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, comfyd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default comfyd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := comfyd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, comfyd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen          string `yaml:"listen"`
	SSEPath         string `yaml:"sse-path"`
	MessagesPath    string `yaml:"messages-path"`
	EngineURL       string `yaml:"engine-url"`
	Workflow        string `yaml:"workflow"`
	PromptNode      string `yaml:"prompt-node"`
	PromptField     string `yaml:"prompt-field"`
	SeedNode        string `yaml:"seed-node"`
	SeedField       string `yaml:"seed-field"`
	OutputNode      string `yaml:"output-node"`
	WatchWorkflow   bool   `yaml:"watch-workflow"`
	RehostStore     string `yaml:"rehost-store"`
	RehostPublicURL string `yaml:"rehost-public-url"`
	RehostPrefix    string `yaml:"rehost-prefix"`
	RehostMaxBytes  string `yaml:"rehost-max-bytes"`
	ToolName        string `yaml:"tool-name"`
	OTLPEndpoint    string `yaml:"otlp-endpoint"`
	MetricsListen   string `yaml:"metrics-listen"`
	PprofListen     string `yaml:"pprof-listen"`
	LogLevel        string `yaml:"log-level"`
	LogFormat       string `yaml:"log-format"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:          comfyd.DefaultListen,
		SSEPath:         comfyd.DefaultSSEPath,
		MessagesPath:    comfyd.DefaultMessagesPath,
		EngineURL:       comfyd.DefaultEngineURL,
		Workflow:        "",
		PromptNode:      "",
		PromptField:     comfyd.DefaultPromptField,
		SeedNode:        "",
		SeedField:       comfyd.DefaultSeedField,
		OutputNode:      "",
		WatchWorkflow:   false,
		RehostStore:     "",
		RehostPublicURL: "",
		RehostPrefix:    comfyd.DefaultRehostPrefix,
		RehostMaxBytes:  humanizeBytes(comfyd.DefaultRehostMaxBytes),
		ToolName:        comfyd.DefaultToolName,
		OTLPEndpoint:    "",
		MetricsListen:   "",
		PprofListen:     "",
		LogLevel:        "info",
		LogFormat:       "",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
