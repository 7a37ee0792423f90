package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	EnvConfigPath  = "PRESENCE_CONFIG"
	EnvUserID      = "PRESENCE_USER_ID"
	EnvLegacyUser  = "MT_GRASS_ID"
	EnvUseProxy    = "PRESENCE_USE_PROXY"
	EnvProxies     = "PRESENCE_PROXIES"
	EnvProxyFile   = "PRESENCE_PROXY_FILE"
	EnvAdminToken  = "PRESENCE_ADMIN_TOKEN"
	DefaultEnvFile = ".env"
)

var (
	ErrNoProxies       = errors.New("config: use_proxy set but no proxies configured")
	ErrInvalidDeviceID = errors.New("config: invalid device_id")
	ErrInvalidEnv      = errors.New("config: invalid environment value")
)

// File is the on-disk presencectl configuration.
type File struct {
	UserID          string       `toml:"user_id"`
	UseProxy        bool         `toml:"use_proxy"`
	Proxies         []string     `toml:"proxies"`
	ProxyFile       string       `toml:"proxy_file"`
	Endpoints       []string     `toml:"endpoints"`
	AdminListenAddr string       `toml:"admin_listen_addr"`
	AdminToken      string       `toml:"admin_token"`
	Restart         string       `toml:"restart"`
	Session         SessionFile  `toml:"session"`
	Devices         []DeviceFile `toml:"devices"`
}

// SessionFile holds session timings as Go duration strings.
type SessionFile struct {
	ConnectTimeout     string `toml:"connect_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	AuthDelayMin       string `toml:"auth_delay_min"`
	AuthDelayMax       string `toml:"auth_delay_max"`
	SettleDelay        string `toml:"settle_delay"`
	PongDelayMin       string `toml:"pong_delay_min"`
	PongDelayMax       string `toml:"pong_delay_max"`
	IdleDelayMin       string `toml:"idle_delay_min"`
	IdleDelayMax       string `toml:"idle_delay_max"`
	PingDelayMin       string `toml:"ping_delay_min"`
	PingDelayMax       string `toml:"ping_delay_max"`
	ShutdownGrace      string `toml:"shutdown_grace"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	ClientType         string `toml:"client_type"`
	ClientVersion      string `toml:"client_version"`
	PingVersion        string `toml:"ping_version"`
}

// DeviceFile pins a device id to a proxy descriptor; an empty proxy means direct.
type DeviceFile struct {
	DeviceID string `toml:"device_id"`
	Proxy    string `toml:"proxy"`
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Options selects the sources Load merges. Precedence: defaults < file < env.
type Options struct {
	Path   string
	Lookup LookupFunc
}

// LoadDotEnv loads .env style files into the process environment. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{DefaultEnvFile}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load resolves a ServiceConfig from defaults, the optional TOML file, and the environment.
func Load(opts Options) (presence.ServiceConfig, error) {
	cfg := presence.DefaultServiceConfig()
	src := sources{}

	if path := strings.TrimSpace(opts.Path); path != "" {
		var raw File
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return presence.ServiceConfig{}, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err := applyFile(&cfg, &src, raw, meta); err != nil {
			return presence.ServiceConfig{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if opts.Lookup != nil {
		if err := applyEnv(&cfg, &src, opts.Lookup); err != nil {
			return presence.ServiceConfig{}, err
		}
	}

	sessions, err := buildSessions(src)
	if err != nil {
		return presence.ServiceConfig{}, err
	}
	cfg.Sessions = sessions

	if err := cfg.Session.Validate(); err != nil {
		return presence.ServiceConfig{}, err
	}
	return cfg, nil
}

// sources collects session-shaping inputs until every layer has been applied.
type sources struct {
	useProxy  bool
	proxies   []string
	proxyFile string
	devices   []DeviceFile
}

func applyFile(cfg *presence.ServiceConfig, src *sources, raw File, meta toml.MetaData) error {
	if meta.IsDefined("user_id") {
		if v := strings.TrimSpace(raw.UserID); v != "" {
			cfg.UserID = v
		}
	}
	if meta.IsDefined("use_proxy") {
		src.useProxy = raw.UseProxy
	}
	if meta.IsDefined("proxies") {
		src.proxies = normalizeList(raw.Proxies)
	}
	if meta.IsDefined("proxy_file") {
		src.proxyFile = strings.TrimSpace(raw.ProxyFile)
	}
	if meta.IsDefined("endpoints") {
		cfg.Session.Endpoints = normalizeList(raw.Endpoints)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("restart") {
		cfg.Restart = presence.RestartPolicy(strings.ToLower(strings.TrimSpace(raw.Restart)))
	}
	if meta.IsDefined("devices") {
		src.devices = raw.Devices
	}
	return applySessionFile(cfg, raw.Session, meta)
}

func applySessionFile(cfg *presence.ServiceConfig, raw SessionFile, meta toml.MetaData) error {
	s := &cfg.Session
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &s.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &s.WriteTimeout},
		{"auth_delay_min", raw.AuthDelayMin, &s.AuthDelay.Min},
		{"auth_delay_max", raw.AuthDelayMax, &s.AuthDelay.Max},
		{"settle_delay", raw.SettleDelay, &s.SettleDelay},
		{"pong_delay_min", raw.PongDelayMin, &s.PongDelay.Min},
		{"pong_delay_max", raw.PongDelayMax, &s.PongDelay.Max},
		{"idle_delay_min", raw.IdleDelayMin, &s.IdleDelay.Min},
		{"idle_delay_max", raw.IdleDelayMax, &s.IdleDelay.Max},
		{"ping_delay_min", raw.PingDelayMin, &s.PingDelay.Min},
		{"ping_delay_max", raw.PingDelayMax, &s.PingDelay.Max},
		{"shutdown_grace", raw.ShutdownGrace, &s.ShutdownGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("session", "insecure_skip_verify") {
		s.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("session", "ca_file") {
		s.TLS.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("session", "server_name") {
		s.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("session", "client_type") {
		s.ClientType = strings.TrimSpace(raw.ClientType)
	}
	if meta.IsDefined("session", "client_version") {
		s.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if meta.IsDefined("session", "ping_version") {
		s.PingVersion = strings.TrimSpace(raw.PingVersion)
	}
	return nil
}

func applyEnv(cfg *presence.ServiceConfig, src *sources, lookup LookupFunc) error {
	if v, ok := lookupTrimmed(lookup, EnvUserID); ok {
		cfg.UserID = v
	} else if v, ok := lookupTrimmed(lookup, EnvLegacyUser); ok {
		cfg.UserID = v
	}
	if v, ok := lookupTrimmed(lookup, EnvUseProxy); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, EnvUseProxy, v)
		}
		src.useProxy = b
	}
	if v, ok := lookupTrimmed(lookup, EnvProxies); ok {
		src.proxies = normalizeList(strings.Split(v, ","))
	}
	if v, ok := lookupTrimmed(lookup, EnvProxyFile); ok {
		src.proxyFile = v
	}
	if v, ok := lookupTrimmed(lookup, EnvAdminToken); ok {
		cfg.AdminToken = v
	}
	return nil
}

func lookupTrimmed(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// buildSessions turns proxy and device settings into one spec per session.
// With proxies enabled every proxy gets a session; otherwise every direct device
// pin gets one, and with no pins a single direct session runs.
func buildSessions(src sources) ([]presence.SessionSpec, error) {
	pins := make(map[string]uuid.UUID)
	direct := make([]presence.SessionSpec, 0)
	for i, dev := range src.devices {
		id, err := uuid.Parse(strings.TrimSpace(dev.DeviceID))
		if err != nil {
			return nil, fmt.Errorf("%w: devices[%d] %q", ErrInvalidDeviceID, i, dev.DeviceID)
		}
		raw := strings.TrimSpace(dev.Proxy)
		if raw == "" {
			direct = append(direct, presence.SessionSpec{DeviceID: id})
			continue
		}
		px, err := transport.ParseProxy(raw)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		pins[proxyKey(px)] = id
	}

	if !src.useProxy {
		if len(direct) == 0 {
			return []presence.SessionSpec{{}}, nil
		}
		return direct, nil
	}

	lines := append([]string(nil), src.proxies...)
	if src.proxyFile != "" {
		data, err := os.ReadFile(src.proxyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read proxy file: %w", err)
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	proxies, err := transport.ParseProxyList(lines)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, ErrNoProxies
	}

	specs := make([]presence.SessionSpec, 0, len(proxies))
	seen := make(map[string]struct{}, len(proxies))
	for _, px := range proxies {
		key := proxyKey(px)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		specs = append(specs, presence.SessionSpec{DeviceID: pins[key], Proxy: px})
	}
	return specs, nil
}

func proxyKey(px *transport.Proxy) string {
	user := ""
	if px.Username != "" {
		user = px.Username + "@"
	}
	return strings.ToLower(px.Scheme) + "://" + user + strings.ToLower(px.Addr())
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
