package kolabd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/kolabd/internal/taskstore"
)

const (
	// DefaultBind is the address both listeners bind to.
	DefaultBind = "0.0.0.0"
	// DefaultUDPPort serves logins and lightweight queries.
	DefaultUDPPort = 50032
	// DefaultTCPPort serves identified sessions.
	DefaultTCPPort = 50005
	// DefaultTimeout is the UDP read deadline and the TCP idle flush delay.
	DefaultTimeout = 250 * time.Millisecond
	// DefaultStoreKey names the snapshot document.
	DefaultStoreKey = taskstore.DefaultKey
	// DefaultMaxLineBytes bounds a single TCP request line.
	DefaultMaxLineBytes = 64 * 1024
	// DefaultAuditLogName is the audit trail file name under the logs directory.
	DefaultAuditLogName = "pracenje.txt"
	// DefaultMetricsListen is empty: metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is disabled unless configured.
	DefaultPprofListen = ""
)

const (
	// DefaultConnguardFailureThreshold is the number of framing violations
	// tolerated inside the window.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the violation counting window.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long an offending host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
)

const (
	// DefaultStorageRetryMaxAttempts bounds attempts against object stores.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first backoff delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff delay.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures the tunables for a kolabd server.
type Config struct {
	Bind    string
	UDPPort int
	TCPPort int
	// Timeout is the UDP read deadline and the TCP idle flush delay.
	Timeout time.Duration

	Store    string
	StoreKey string
	// AuditLog is the audit trail path. When AuditLogSet is false the path
	// is derived from the store; an explicitly empty value disables the file.
	AuditLog     string
	AuditLogSet  bool
	MaxLineBytes int

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
	ConnguardProbeTimeout     time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{ConnguardEnabled: true}
	_ = cfg.Validate()
	return cfg
}

// Validate applies defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.Bind = strings.TrimSpace(c.Bind)
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if net.ParseIP(c.Bind) == nil {
		if _, err := net.LookupHost(c.Bind); err != nil {
			return fmt.Errorf("config: invalid bind address %q: %w", c.Bind, err)
		}
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.TCPPort == 0 {
		c.TCPPort = DefaultTCPPort
	}
	if err := validatePort("udp", c.UDPPort); err != nil {
		return err
	}
	if err := validatePort("tcp", c.TCPPort); err != nil {
		return err
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	} else if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore()
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	c.StoreKey = strings.TrimSpace(c.StoreKey)
	if c.StoreKey == "" {
		c.StoreKey = DefaultStoreKey
	}
	if !c.AuditLogSet && strings.TrimSpace(c.AuditLog) == "" {
		c.AuditLog = DefaultAuditPath(c.Store)
	}
	c.AuditLog = strings.TrimSpace(c.AuditLog)
	if c.MaxLineBytes == 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	} else if c.MaxLineBytes < 0 {
		return fmt.Errorf("config: max line must be positive")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	} else if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		return fmt.Errorf("config: connguard probe timeout must be >= 0")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay %s below base delay %s", c.StorageRetryMaxDelay, c.StorageRetryBaseDelay)
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage retry multiplier must be >= 1")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("config: %s port %d out of range", name, port)
	}
	return nil
}

// UDPAddr is the bind address of the UDP gateway.
func (c Config) UDPAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.UDPPort))
}

// TCPAddr is the bind address of the session listener.
func (c Config) TCPAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.TCPPort))
}

// MaxLineHuman renders the line limit for logs.
func (c Config) MaxLineHuman() string {
	return humanize.IBytes(uint64(c.MaxLineBytes))
}

// ParseByteSize parses sizes such as "64KiB" or "1MB".
func ParseByteSize(raw string) (int, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: parse size %q: %w", raw, err)
	}
	if n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("config: size %q out of range", raw)
	}
	return int(n), nil
}

// DefaultStore points at a data directory beside the executable.
func DefaultStore() string {
	dir := "."
	if exe, err := os.Executable(); err == nil {
		dir = filepath.Dir(exe)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return (&url.URL{Scheme: "disk", Path: filepath.ToSlash(filepath.Join(dir, "data"))}).String()
}

// DefaultAuditPath places the audit trail in a logs directory that is a
// sibling of a disk store root, or under ./logs for other stores.
func DefaultAuditPath(store string) string {
	if diskCfg, _, err := BuildDiskConfig(Config{Store: store}); err == nil {
		return filepath.Join(filepath.Dir(diskCfg.Root), "logs", DefaultAuditLogName)
	}
	return filepath.Join("logs", DefaultAuditLogName)
}

// DefaultConfigDir returns the configuration directory ($HOME/.kolabd unless
// KOLABD_CONFIG_DIR overrides it).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KOLABD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kolabd"), nil
}

// DefaultConfigFile returns the default YAML config path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
