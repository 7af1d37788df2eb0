package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/kolabd"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/kolabd/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KOLABD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "kolabd")
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

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string) *pflag.Flag {
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
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			if consumeNext && i < len(args) {
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
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := kolabd.DefaultConfigFile(); err == nil {
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
	return filepath.Abs(p)
}

var serverFlagNames = []string{
	"config",
	"bind", "udp", "tcp", "timeout", "store", "store-key", "audit-log", "max-line", "log-level",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"aws-region", "azure-key", "azure-endpoint", "azure-sas-token",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kolabd",
		Short:         "kolabd coordinates tasks between managers and employees over UDP and TCP",
		SilenceErrors: true,
		Example: `
  # Local disk snapshot beside the binary, default ports
  kolabd

  # Explicit disk store and audit trail
  kolabd --store disk:///var/lib/kolabd --audit-log /var/log/kolabd/pracenje.txt

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  KOLABD_STORE=s3://localhost:9000/kolabd?insecure=1 KOLABD_S3_ACCESS_KEY_ID=minioadmin KOLABD_S3_SECRET_ACCESS_KEY=minioadmin kolabd

  # In-memory storage (tests/dev only)
  kolabd --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to kolabd",
				"version", version.Current(),
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg kolabd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			} else {
				return fmt.Errorf("invalid log level %q", logLevel)
			}

			server, err := kolabd.NewServer(cfg, kolabd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.kolabd/config.yaml)")

	flags := cmd.Flags()
	flags.String("bind", kolabd.DefaultBind, "address both listeners bind to")
	flags.Int("udp", kolabd.DefaultUDPPort, "UDP gateway port")
	flags.Int("tcp", kolabd.DefaultTCPPort, "TCP session port")
	flags.Int("timeout", int(kolabd.DefaultTimeout/time.Millisecond), "UDP read deadline and TCP idle flush delay in milliseconds")
	flags.String("store", "", "snapshot backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container); default disk://<binary dir>/data")
	flags.String("store-key", kolabd.DefaultStoreKey, "snapshot document name inside the store")
	flags.String("audit-log", "", "audit trail path (default derived from the store; set to an empty string to disable)")
	flags.String("max-line", humanizeBytes(kolabd.DefaultMaxLineBytes), "maximum TCP request line size")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	flags.String("metrics-listen", kolabd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", kolabd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard-enabled", true, "block hosts that repeatedly violate TCP framing")
	flags.Int("connguard-failure-threshold", kolabd.DefaultConnguardFailureThreshold, "number of violations before blocking a host")
	flags.Duration("connguard-failure-window", kolabd.DefaultConnguardFailureWindow, "window used to count violations")
	flags.Duration("connguard-block-duration", kolabd.DefaultConnguardBlockDuration, "time to block a host after reaching the threshold")
	flags.Duration("connguard-probe-timeout", 0, "reject connections that send nothing within this timeout (0 disables)")
	flags.Int("storage-retry-attempts", kolabd.DefaultStorageRetryMaxAttempts, "maximum attempts against object stores")
	flags.Duration("storage-retry-base-delay", kolabd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", kolabd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", kolabd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-key", "", "Azure Storage account key (or use KOLABD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")

	viper.SetEnvPrefix("KOLABD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
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

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newVerifyCommand(baseLogger))
	return cmd
}

func bindConfig(cfg *kolabd.Config) error {
	cfg.Bind = viper.GetString("bind")
	cfg.UDPPort = viper.GetInt("udp")
	cfg.TCPPort = viper.GetInt("tcp")
	timeoutMS := viper.GetInt("timeout")
	if timeoutMS <= 0 {
		return fmt.Errorf("timeout must be a positive number of milliseconds")
	}
	cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.Store = viper.GetString("store")
	cfg.StoreKey = viper.GetString("store-key")
	cfg.AuditLog = viper.GetString("audit-log")
	cfg.AuditLogSet = viper.IsSet("audit-log")
	if raw := strings.TrimSpace(viper.GetString("max-line")); raw != "" {
		size, err := kolabd.ParseByteSize(raw)
		if err != nil {
			return fmt.Errorf("parse max-line: %w", err)
		}
		cfg.MaxLineBytes = size
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
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
