package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all node configuration (spec.md §6).
type Config struct {
	ListenPort      int
	DefaultPeerID   string
	RefCheckInterval time.Duration
	AutoMerge       bool

	ConnectTimeout time.Duration
	HeloTimeout    time.Duration
	IdlePing       time.Duration
	IdleTimeout    time.Duration

	PEX   bool
	Prune bool

	DampenTime time.Duration
	MaxPeers   int

	DefaultTracker      string
	MaxTrackerInterval  time.Duration
	TrackerSocketRetry  time.Duration
	TrackerMuteTime     time.Duration

	McastGroup string
	McastPort  int

	ProxyIdleTimeout time.Duration
	ProxyMaxRecv     int
	ProxyMaxReadbuf  int

	MsgLenBytes int
	MsgMaxLen   int

	FileGetChunkSize int
	FileGetWindow    int

	// MonitorAddr is the loopback bind address for the read-only status
	// surface (SPEC_FULL.md §13). Empty disables it.
	MonitorAddr string

	// AddressBookDir is where AddressBook (SPEC_FULL.md §12) persists
	// known peer addresses per swarm. Empty disables persistence.
	AddressBookDir string

	// GitBinary is the external repository tool to invoke (spec.md §1
	// treats it as a black box). Defaults to "git" on PATH.
	GitBinary string
}

// Load reads configuration from a flat key=value file and environment
// variable overrides, in that order, matching the teacher's
// file-then-env precedence.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.DefaultPeerID == "" {
		cfg.DefaultPeerID = generateDefaultPeerID()
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenPort:       9418,
		RefCheckInterval: 10 * time.Second,
		AutoMerge:        false,

		ConnectTimeout: 30 * time.Second,
		HeloTimeout:    10 * time.Second,
		IdlePing:       200 * time.Second,
		IdleTimeout:    700 * time.Second,

		PEX:   true,
		Prune: true,

		DampenTime: 25 * time.Second,
		MaxPeers:   100,

		DefaultTracker:     "",
		MaxTrackerInterval: 1800 * time.Second,
		TrackerSocketRetry: 10 * time.Second,
		TrackerMuteTime:    20 * time.Second,

		McastGroup: "239.192.152.143",
		McastPort:  6772,

		ProxyIdleTimeout: 60 * time.Second,
		ProxyMaxRecv:     8 * 1024,
		ProxyMaxReadbuf:  32 * 1024,

		MsgLenBytes: 4,
		MsgMaxLen:   16 * 1024,

		FileGetChunkSize: 10 * 1024,
		FileGetWindow:    5,

		MonitorAddr:    "",
		AddressBookDir: "",
		GitBinary:      "git",
	}
}

// loadFromFile reads "key = value" pairs, skipping blanks and #comments.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		cfg.applyKey(key, value)
	}
	return scanner.Err()
}

func (cfg *Config) applyKey(key, value string) {
	switch key {
	case "listen_port":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ListenPort = n
		}
	case "default_peerid":
		cfg.DefaultPeerID = value
	case "ref_check_interval":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.RefCheckInterval = time.Duration(n) * time.Second
		}
	case "automerge":
		cfg.AutoMerge = parseBool(value)
	case "connect_timeout":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ConnectTimeout = time.Duration(n) * time.Second
		}
	case "helo_timeout":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.HeloTimeout = time.Duration(n) * time.Second
		}
	case "idle_ping":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.IdlePing = time.Duration(n) * time.Second
		}
	case "idle_timeout":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.IdleTimeout = time.Duration(n) * time.Second
		}
	case "pex":
		cfg.PEX = parseBool(value)
	case "prune":
		cfg.Prune = parseBool(value)
	case "dampen_time":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.DampenTime = time.Duration(n) * time.Second
		}
	case "max_peers":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxPeers = n
		}
	case "default_tracker":
		cfg.DefaultTracker = value
	case "max_tracker_interval":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxTrackerInterval = time.Duration(n) * time.Second
		}
	case "tracker_socket_retry":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.TrackerSocketRetry = time.Duration(n) * time.Second
		}
	case "tracker_mute_time":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.TrackerMuteTime = time.Duration(n) * time.Second
		}
	case "mcast_grp":
		cfg.McastGroup = value
	case "mcast_port":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.McastPort = n
		}
	case "proxy_idle_timeout":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ProxyIdleTimeout = time.Duration(n) * time.Second
		}
	case "proxy_max_recv":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ProxyMaxRecv = n
		}
	case "proxy_max_readbuf":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ProxyMaxReadbuf = n
		}
	case "msg_len_bytes":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MsgLenBytes = n
		}
	case "msg_max_len":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MsgMaxLen = n
		}
	case "file_get_chunk_size":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.FileGetChunkSize = n
		}
	case "file_get_window":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.FileGetWindow = n
		}
	case "monitor_addr":
		cfg.MonitorAddr = value
	case "addressbook_dir":
		cfg.AddressBookDir = value
	case "git_binary":
		cfg.GitBinary = value
	}
}

func (cfg *Config) loadFromEnv() {
	env := map[string]string{
		"listen_port":           os.Getenv("P2PGIT_LISTEN_PORT"),
		"default_peerid":        os.Getenv("P2PGIT_PEERID"),
		"ref_check_interval":    os.Getenv("P2PGIT_REF_CHECK_INTERVAL"),
		"automerge":             os.Getenv("P2PGIT_AUTOMERGE"),
		"connect_timeout":       os.Getenv("P2PGIT_CONNECT_TIMEOUT"),
		"helo_timeout":          os.Getenv("P2PGIT_HELO_TIMEOUT"),
		"idle_ping":             os.Getenv("P2PGIT_IDLE_PING"),
		"idle_timeout":          os.Getenv("P2PGIT_IDLE_TIMEOUT"),
		"pex":                   os.Getenv("P2PGIT_PEX"),
		"prune":                 os.Getenv("P2PGIT_PRUNE"),
		"dampen_time":           os.Getenv("P2PGIT_DAMPEN_TIME"),
		"max_peers":             os.Getenv("P2PGIT_MAX_PEERS"),
		"default_tracker":       os.Getenv("P2PGIT_DEFAULT_TRACKER"),
		"max_tracker_interval":  os.Getenv("P2PGIT_MAX_TRACKER_INTERVAL"),
		"tracker_socket_retry":  os.Getenv("P2PGIT_TRACKER_SOCKET_RETRY"),
		"tracker_mute_time":     os.Getenv("P2PGIT_TRACKER_MUTE_TIME"),
		"mcast_grp":             os.Getenv("P2PGIT_MCAST_GRP"),
		"mcast_port":            os.Getenv("P2PGIT_MCAST_PORT"),
		"proxy_idle_timeout":    os.Getenv("P2PGIT_PROXY_IDLE_TIMEOUT"),
		"proxy_max_recv":        os.Getenv("P2PGIT_PROXY_MAX_RECV"),
		"proxy_max_readbuf":     os.Getenv("P2PGIT_PROXY_MAX_READBUF"),
		"msg_len_bytes":         os.Getenv("P2PGIT_MSG_LEN_BYTES"),
		"msg_max_len":           os.Getenv("P2PGIT_MSG_MAX_LEN"),
		"file_get_chunk_size":   os.Getenv("P2PGIT_FILE_GET_CHUNK_SIZE"),
		"file_get_window":       os.Getenv("P2PGIT_FILE_GET_WINDOW"),
		"monitor_addr":          os.Getenv("P2PGIT_MONITOR_ADDR"),
		"addressbook_dir":       os.Getenv("P2PGIT_ADDRESSBOOK_DIR"),
		"git_binary":            os.Getenv("P2PGIT_GIT_BINARY"),
	}
	for k, v := range env {
		if v != "" {
			cfg.applyKey(k, v)
		}
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

// generateDefaultPeerID derives a PeerId from the hostname plus a
// short random suffix, so two nodes started from the same image never
// collide even if os.Getpid() does.
func generateDefaultPeerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	host = sanitizePeerIDComponent(host)
	if len(host) > 20 {
		host = host[:20]
	}
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%s", host, suffix)
}

func sanitizePeerIDComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "node"
	}
	return b.String()
}
