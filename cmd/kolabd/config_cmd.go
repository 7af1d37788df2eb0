package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/kolabd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage kolabd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.kolabd/config.yaml"
	if path, err := kolabd.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default kolabd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := kolabd.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
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
	Bind                      string  `yaml:"bind"`
	UDP                       int     `yaml:"udp"`
	TCP                       int     `yaml:"tcp"`
	Timeout                   int     `yaml:"timeout"`
	Store                     string  `yaml:"store"`
	StoreKey                  string  `yaml:"store-key"`
	AuditLog                  string  `yaml:"audit-log"`
	MaxLine                   string  `yaml:"max-line"`
	LogLevel                  string  `yaml:"log-level"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool    `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int     `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string  `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string  `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string  `yaml:"connguard-probe-timeout"`
	StorageRetryMaxAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64 `yaml:"storage-retry-multiplier"`
	AWSRegion                 string  `yaml:"aws-region"`
	AzureEndpoint             string  `yaml:"azure-endpoint"`
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	store := kolabd.DefaultStore()
	defaults := configDefaults{
		Bind:                      kolabd.DefaultBind,
		UDP:                       kolabd.DefaultUDPPort,
		TCP:                       kolabd.DefaultTCPPort,
		Timeout:                   int(kolabd.DefaultTimeout / time.Millisecond),
		Store:                     store,
		StoreKey:                  kolabd.DefaultStoreKey,
		AuditLog:                  kolabd.DefaultAuditPath(store),
		MaxLine:                   humanizeBytes(kolabd.DefaultMaxLineBytes),
		LogLevel:                  "info",
		MetricsListen:             kolabd.DefaultMetricsListen,
		PprofListen:               kolabd.DefaultPprofListen,
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: kolabd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    kolabd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    kolabd.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     time.Duration(0).String(),
		StorageRetryMaxAttempts:   kolabd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:     kolabd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      kolabd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    kolabd.DefaultStorageRetryMultiplier,
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
