package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/comfyd"
	"pkt.systems/comfyd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("COMFYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "comfyd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args address the root serve
// command rather than a subcommand. Root failures go to the structured
// logger; subcommand failures print plainly to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			i++
			if flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			flag := lookupShort(strings.TrimPrefix(arg, "-"))
			i++
			if flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := comfyd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, comfyd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "comfyd",
		Short:         "comfyd exposes a ComfyUI workflow as an MCP image-generation tool over SSE",
		SilenceErrors: true,
		Example: `
  # Serve a text-to-image workflow on the default port
  comfyd --workflow sdxl.json --prompt-node 6 --seed-node 3 --output-node 9

  # Point at a remote ComfyUI and hot-reload the template on edits
  comfyd --engine-url http://gpubox:8188 --workflow flux.json \
    --prompt-node 6 --seed-node 25 --output-node 9 --watch-workflow

  # Re-host artifacts in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  COMFYD_REHOST_STORE=s3://localhost:9000/artifacts?insecure=1 \
    COMFYD_S3_ACCESS_KEY_ID=minioadmin COMFYD_S3_SECRET_ACCESS_KEY=minioadmin \
    comfyd --workflow sdxl.json --prompt-node 6 --seed-node 3 --output-node 9
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to comfyd",
				"app", "comfyd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg comfyd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				level = pslog.InfoLevel
			}
			logger = logger.LogLevel(level)
			if format := strings.TrimSpace(viper.GetString("log-format")); format != "" {
				opts, err := logOptionsForFormat(format, level)
				if err != nil {
					return err
				}
				logger = pslog.NewWithOptions(os.Stderr, opts).With("app", "comfyd")
			}

			server, err := comfyd.NewServer(comfyd.NewServerRequest{
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.comfyd/"+comfyd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", comfyd.DefaultListen, "gateway listen address")
	flags.String("sse-path", comfyd.DefaultSSEPath, "HTTP path serving the SSE push channel")
	flags.String("messages-path", comfyd.DefaultMessagesPath, "HTTP path accepting session-addressed POST messages")
	flags.String("engine-url", comfyd.DefaultEngineURL, "ComfyUI base URL")
	flags.StringP("workflow", "w", "", "path to the workflow template JSON in API format (required)")
	flags.String("prompt-node", "", "template node id receiving the prompt text (required)")
	flags.String("prompt-field", comfyd.DefaultPromptField, "input field on the prompt node")
	flags.String("seed-node", "", "template node id receiving the per-call random seed (required)")
	flags.String("seed-field", comfyd.DefaultSeedField, "input field on the seed node")
	flags.String("output-node", "", "template node id whose images slot carries the artifact (required)")
	flags.Bool("watch-workflow", false, "hot-reload the workflow template when the file changes")
	flags.String("rehost-store", "", "artifact re-hosting store URL (s3://host[:port]/bucket, aws://bucket, azure://container, mem://)")
	flags.String("rehost-public-url", "", "public base URL for re-hosted artifacts (defaults to the store endpoint)")
	flags.String("rehost-prefix", comfyd.DefaultRehostPrefix, "object key prefix for re-hosted artifacts")
	rehostMaxDefault := humanizeBytes(comfyd.DefaultRehostMaxBytes)
	flags.String("rehost-max-bytes", rehostMaxDefault, "maximum artifact size accepted for re-hosting")
	flags.String("tool-name", comfyd.DefaultToolName, "tool name exposed to MCP clients")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")
	flags.String("log-format", "", "log output format (structured or console; defaults to structured)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("COMFYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "sse-path", "messages-path",
		"engine-url", "workflow", "prompt-node", "prompt-field", "seed-node", "seed-field", "output-node", "watch-workflow",
		"rehost-store", "rehost-public-url", "rehost-prefix", "rehost-max-bytes",
		"tool-name",
		"otlp-endpoint", "metrics-listen", "pprof-listen",
		"log-level", "log-format",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *comfyd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.SSEPath = viper.GetString("sse-path")
	cfg.MessagesPath = viper.GetString("messages-path")
	cfg.EngineURL = viper.GetString("engine-url")
	workflow := strings.TrimSpace(viper.GetString("workflow"))
	if workflow != "" {
		expanded, err := expandPath(workflow)
		if err != nil {
			return fmt.Errorf("expand workflow path %q: %w", workflow, err)
		}
		workflow = expanded
	}
	cfg.WorkflowPath = workflow
	cfg.PromptNode = viper.GetString("prompt-node")
	cfg.PromptField = viper.GetString("prompt-field")
	cfg.SeedNode = viper.GetString("seed-node")
	cfg.SeedField = viper.GetString("seed-field")
	cfg.OutputNode = viper.GetString("output-node")
	cfg.WatchWorkflow = viper.GetBool("watch-workflow")
	cfg.RehostStoreURL = viper.GetString("rehost-store")
	cfg.RehostPublicURL = viper.GetString("rehost-public-url")
	cfg.RehostPrefix = viper.GetString("rehost-prefix")
	if maxBytes := viper.GetString("rehost-max-bytes"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse rehost-max-bytes: %w", err)
		}
		cfg.RehostMaxBytes = int64(size)
	}
	cfg.ToolName = viper.GetString("tool-name")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	return nil
}

func logOptionsForFormat(format string, level pslog.Level) (pslog.Options, error) {
	opts := pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "structured", "json":
	case "console", "text":
		opts.Mode = pslog.ModeConsole
	default:
		return opts, fmt.Errorf("unknown log format %q (structured, console)", format)
	}
	return opts, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
