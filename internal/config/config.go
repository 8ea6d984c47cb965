// Package config reads binary configuration from flags, JALEBI_* environment
// variables and an optional .env file. Flags take precedence over the
// environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "JALEBI_"

// DefaultWindow mirrors the sender's default in-flight chunk bound.
const DefaultWindow = 8

// ServerConfig holds configuration for the signaling server binary.
type ServerConfig struct {
	Addr     string
	LogLevel string

	MaxMessageBytes int
	ConnectsPerMin  int
	ConnectsBurst   int
	MsgsPerSec      float64
	MsgsBurst       int
	MaxConnections  int
	IdleTimeout     time.Duration
}

// ClientConfig holds configuration for the share and receive commands.
type ClientConfig struct {
	ServerURL string
	LogLevel  string
	// Transport is webrtc or quic.
	Transport   string
	StunServers []string
	TurnServers []string
	// Window bounds unacknowledged chunks; 0 streams without a bound.
	Window int
	// StagingDir holds the badger staging store; empty keeps it in memory.
	StagingDir string
	OutDir     string
	// ShareBase is the base of printed share URLs; it defaults to ServerURL.
	ShareBase string
	// Code pins the share code instead of picking a random one.
	Code string
	// Args are the positional arguments left after flags.
	Args []string
}

// LoadDotEnv loads variables from the given files (".env" when none are
// named) without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ParseServerConfig parses server configuration from the command line and
// environment.
// Defaults: addr=":8080", logLevel="info"
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		MaxMessageBytes: 64 * 1024,
		ConnectsPerMin:  60,
		ConnectsBurst:   20,
		MsgsPerSec:      50,
		MsgsBurst:       100,
		MaxConnections:  1000,
		IdleTimeout:     2 * time.Minute,
	}

	// Read from environment first
	var errs []error
	cfg.Addr = envString("ADDR", cfg.Addr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.MaxMessageBytes = envInt("MAX_MESSAGE_BYTES", cfg.MaxMessageBytes, &errs)
	cfg.ConnectsPerMin = envInt("CONNECTS_PER_MIN", cfg.ConnectsPerMin, &errs)
	cfg.ConnectsBurst = envInt("CONNECTS_BURST", cfg.ConnectsBurst, &errs)
	cfg.MsgsPerSec = envFloat("MSGS_PER_SEC", cfg.MsgsPerSec, &errs)
	cfg.MsgsBurst = envInt("MSGS_BURST", cfg.MsgsBurst, &errs)
	cfg.MaxConnections = envInt("MAX_CONNECTIONS", cfg.MaxConnections, &errs)
	cfg.IdleTimeout = envDuration("IDLE_TIMEOUT", cfg.IdleTimeout, &errs)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest signaling message accepted")
	fs.IntVar(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "websocket connects per minute per IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "connect burst per IP")
	fs.Float64Var(&cfg.MsgsPerSec, "msgs-per-sec", cfg.MsgsPerSec, "messages per second per connection (0 = unlimited)")
	fs.IntVar(&cfg.MsgsBurst, "msgs-burst", cfg.MsgsBurst, "message burst per connection")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "concurrent websocket connections (0 = unlimited)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections idle for this long")
	if err := fs.Parse(args); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// ParseClientConfig parses the flags of subcommand cmd from args.
func ParseClientConfig(cmd string, args []string) (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:   "http://localhost:8080",
		LogLevel:    "warn",
		Transport:   "webrtc",
		StunServers: []string{"stun:stun.l.google.com:19302"},
		Window:      DefaultWindow,
		OutDir:      ".",
	}

	// Read from environment first
	var errs []error
	cfg.ServerURL = envString("SERVER_URL", cfg.ServerURL)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Transport = envString("TRANSPORT", cfg.Transport)
	cfg.StunServers = envList("STUN_SERVERS", cfg.StunServers)
	cfg.TurnServers = envList("TURN_SERVERS", cfg.TurnServers)
	cfg.Window = envInt("WINDOW", cfg.Window, &errs)
	cfg.StagingDir = envString("STAGING_DIR", cfg.StagingDir)
	cfg.OutDir = envString("OUT_DIR", cfg.OutDir)
	cfg.ShareBase = envString("SHARE_BASE", cfg.ShareBase)

	// Flags override environment
	var stun, turn stringSlice
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "peer transport (webrtc, quic)")
	fs.Var(&stun, "stun", "STUN server URL (repeatable)")
	fs.Var(&turn, "turn", "TURN server URL (repeatable)")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "unacknowledged chunks in flight (0 = unbounded)")
	fs.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "directory for the staging store (default: in memory)")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory received files are saved to")
	fs.StringVar(&cfg.ShareBase, "share-base", cfg.ShareBase, "base URL for share links (default: server URL)")
	fs.StringVar(&cfg.Code, "code", cfg.Code, "use this 4-digit code instead of a random one")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return cfg, err
	}

	if len(stun) > 0 {
		cfg.StunServers = stun
	}
	if len(turn) > 0 {
		cfg.TurnServers = turn
	}
	if cfg.ShareBase == "" {
		cfg.ShareBase = cfg.ServerURL
	}
	if cfg.Window < 0 {
		errs = append(errs, fmt.Errorf("window must not be negative, got %d", cfg.Window))
	}
	switch cfg.Transport {
	case "webrtc", "quic":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", cfg.Transport))
	}
	cfg.Args = positional
	return cfg, errors.Join(errs...)
}

// parseInterleaved parses flags that may follow positional arguments and
// returns the positionals in order. "--" ends flag parsing.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if n := len(args) - len(rest); n > 0 && args[n-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
