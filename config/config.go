package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the proof service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Verifier    VerifierConfig    `yaml:"verifier"`
	CRL         CRLConfig         `yaml:"crl"`
	NTPServers  []string          `yaml:"ntp_servers"`
	DeviceCheck DeviceCheckConfig `yaml:"devicecheck"`
	LogLevel    string            `yaml:"log_level"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	TLSRequired     bool          `yaml:"tls_required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TokenConfig holds device token lifecycle configuration.
type TokenConfig struct {
	TTLSeconds           int    `yaml:"ttl_seconds"`
	RenewalBufferSeconds int    `yaml:"renewal_buffer_seconds"`
	VerifySignatures     bool   `yaml:"verify_signatures"`
	VerifyBaseURL        string `yaml:"verify_base_url"`
}

// LedgerConfig holds the artifact tree layout and git settings.
type LedgerConfig struct {
	RepoRoot              string `yaml:"repo_root"`
	BatchesSubdir         string `yaml:"batches_subdir"`
	RootsSubdir           string `yaml:"roots_subdir"`
	ProofsSubdir          string `yaml:"proofs_subdir"`
	RootIndexFilename     string `yaml:"root_index_filename"`
	DailyRootsFilename    string `yaml:"daily_roots_filename"`
	ProofManifestFilename string `yaml:"proof_manifest_filename"`
	GitAutoCommit         bool   `yaml:"git_auto_commit"`
	GitAutoPush           bool   `yaml:"git_auto_push"`
	GitRemote             string `yaml:"git_remote"`
	GitBranch             string `yaml:"git_branch"`
}

// VerifierKey is one configured verifier API key record.
type VerifierKey struct {
	Key                  string `yaml:"key" json:"key"`
	HMACSecret           string `yaml:"hmac_secret" json:"hmac_secret"`
	Name                 string `yaml:"name" json:"name"`
	RateLimitPerMinute   int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	AllowManifestSummary bool   `yaml:"allow_manifest_summary" json:"allow_manifest_summary"`
}

// VerifierConfig holds the verifier-facing auth and hygiene settings.
type VerifierConfig struct {
	APIKeys                 []VerifierKey `yaml:"api_keys"`
	AnonymousRateLimit      int           `yaml:"anonymous_rate_limit_per_minute"`
	AuthenticatedRateLimit  int           `yaml:"authenticated_rate_limit_per_minute"`
	AllowManifestSummary    bool          `yaml:"allow_manifest_summary"`
	ManifestSummaryMaxBytes int           `yaml:"manifest_summary_max_bytes"`
	AllowedManifestFields   []string      `yaml:"allowed_manifest_summary_fields"`
	ReplayCacheTTLSeconds   int           `yaml:"replay_cache_ttl_seconds"`
}

// CRLConfig holds revocation refresh configuration.
type CRLConfig struct {
	Sources         []string      `yaml:"sources"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DeviceCheckConfig holds Apple DeviceCheck client configuration.
type DeviceCheckConfig struct {
	Enabled          bool          `yaml:"enabled"`
	TeamID           string        `yaml:"team_id"`
	KeyID            string        `yaml:"key_id"`
	PrivateKey       string        `yaml:"private_key"`
	PrivateKeyPath   string        `yaml:"private_key_path"`
	Environment      string        `yaml:"environment"`
	AllowedBundleIDs []string      `yaml:"allowed_bundle_ids"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// Load reads configuration from an optional YAML file and applies
// environment-variable overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Tokens.VerifyBaseURL, "VERIFY_BASE_URL")
	setInt(&c.Tokens.TTLSeconds, "DEVICE_TOKEN_TTL_SECONDS")
	setInt(&c.Tokens.RenewalBufferSeconds, "DEVICE_TOKEN_RENEWAL_BUFFER")
	setBool(&c.Tokens.VerifySignatures, "VERIFY_SIGNATURES")
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Server.Host, "LISTEN_HOST")
	setInt(&c.Server.Port, "LISTEN_PORT")
	setBool(&c.Server.TLSRequired, "TLS_REQUIRED")
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.Server.CORSOrigins = parseList(v)
	}

	setString(&c.Ledger.RepoRoot, "LEDGER_REPO_ROOT")
	setString(&c.Ledger.BatchesSubdir, "LEDGER_BATCHES_SUBDIR")
	setString(&c.Ledger.RootsSubdir, "LEDGER_ROOTS_SUBDIR")
	setString(&c.Ledger.ProofsSubdir, "LEDGER_PROOFS_SUBDIR")
	setString(&c.Ledger.RootIndexFilename, "LEDGER_ROOT_INDEX_FILENAME")
	setString(&c.Ledger.DailyRootsFilename, "LEDGER_DAILY_ROOTS_FILENAME")
	setString(&c.Ledger.ProofManifestFilename, "LEDGER_PROOF_MANIFEST_FILENAME")
	setBool(&c.Ledger.GitAutoCommit, "LEDGER_GIT_AUTO_COMMIT")
	setBool(&c.Ledger.GitAutoPush, "LEDGER_GIT_AUTO_PUSH")
	setString(&c.Ledger.GitRemote, "LEDGER_GIT_REMOTE")
	setString(&c.Ledger.GitBranch, "LEDGER_GIT_BRANCH")

	if v := os.Getenv("VERIFIER_API_KEYS"); v != "" {
		var keys []VerifierKey
		if err := json.Unmarshal([]byte(v), &keys); err == nil {
			c.Verifier.APIKeys = keys
		}
	}
	setInt(&c.Verifier.AnonymousRateLimit, "ANONYMOUS_RATE_LIMIT_PER_MINUTE")
	setInt(&c.Verifier.AuthenticatedRateLimit, "AUTHENTICATED_RATE_LIMIT_PER_MINUTE")
	setBool(&c.Verifier.AllowManifestSummary, "ALLOW_MANIFEST_SUMMARY")
	setInt(&c.Verifier.ManifestSummaryMaxBytes, "MANIFEST_SUMMARY_MAX_BYTES")
	setInt(&c.Verifier.ReplayCacheTTLSeconds, "REPLAY_CACHE_TTL_SECONDS")

	if v := os.Getenv("NTP_SERVERS"); v != "" {
		c.NTPServers = parseList(v)
	}
	if v := os.Getenv("CRL_SOURCES"); v != "" {
		c.CRL.Sources = parseList(v)
	}

	setBool(&c.DeviceCheck.Enabled, "DEVICECHECK_ENABLED")
	setString(&c.DeviceCheck.TeamID, "DEVICECHECK_TEAM_ID")
	setString(&c.DeviceCheck.KeyID, "DEVICECHECK_KEY_ID")
	setString(&c.DeviceCheck.PrivateKey, "DEVICECHECK_PRIVATE_KEY")
	setString(&c.DeviceCheck.PrivateKeyPath, "DEVICECHECK_PRIVATE_KEY_PATH")
	setString(&c.DeviceCheck.Environment, "DEVICECHECK_ENVIRONMENT")
	if v := os.Getenv("DEVICECHECK_ALLOWED_BUNDLE_IDS"); v != "" {
		c.DeviceCheck.AllowedBundleIDs = parseList(v)
	}
}

// Validate fills in defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.Tokens.TTLSeconds <= 0 {
		c.Tokens.TTLSeconds = 30 * 24 * 60 * 60
	}
	if c.Tokens.RenewalBufferSeconds <= 0 {
		c.Tokens.RenewalBufferSeconds = 7 * 24 * 60 * 60
	}
	if c.Tokens.VerifyBaseURL == "" {
		c.Tokens.VerifyBaseURL = "https://verify.archiveorigin.com"
	}

	if c.Ledger.RepoRoot == "" {
		c.Ledger.RepoRoot = "ledger"
	}
	if c.Ledger.BatchesSubdir == "" {
		c.Ledger.BatchesSubdir = "batches"
	}
	if c.Ledger.RootsSubdir == "" {
		c.Ledger.RootsSubdir = "roots"
	}
	if c.Ledger.ProofsSubdir == "" {
		c.Ledger.ProofsSubdir = "proofs"
	}
	if c.Ledger.RootIndexFilename == "" {
		c.Ledger.RootIndexFilename = "ledger_index.json"
	}
	if c.Ledger.DailyRootsFilename == "" {
		c.Ledger.DailyRootsFilename = "daily_roots.csv"
	}
	if c.Ledger.ProofManifestFilename == "" {
		c.Ledger.ProofManifestFilename = "proof_manifest.jsonl"
	}
	if c.Ledger.GitRemote == "" {
		c.Ledger.GitRemote = "origin"
	}
	if c.Ledger.GitBranch == "" {
		c.Ledger.GitBranch = "main"
	}

	if c.Verifier.AnonymousRateLimit <= 0 {
		c.Verifier.AnonymousRateLimit = 60
	}
	if c.Verifier.AuthenticatedRateLimit <= 0 {
		c.Verifier.AuthenticatedRateLimit = 600
	}
	if c.Verifier.ManifestSummaryMaxBytes <= 0 {
		c.Verifier.ManifestSummaryMaxBytes = 4 * 1024
	}
	if len(c.Verifier.AllowedManifestFields) == 0 {
		c.Verifier.AllowedManifestFields = []string{"title", "creator", "capture_time_utc", "description"}
	}
	if c.Verifier.ReplayCacheTTLSeconds <= 0 {
		c.Verifier.ReplayCacheTTLSeconds = 300
	}
	for _, key := range c.Verifier.APIKeys {
		if key.Key == "" || key.HMACSecret == "" {
			return fmt.Errorf("verifier api key entries require key and hmac_secret")
		}
	}

	if c.CRL.RequestTimeout <= 0 {
		c.CRL.RequestTimeout = 5 * time.Second
	}
	if c.CRL.RefreshInterval <= 0 {
		c.CRL.RefreshInterval = time.Hour
	}

	if len(c.NTPServers) == 0 {
		c.NTPServers = []string{"time.cloudflare.com", "pool.ntp.org"}
	}

	if c.DeviceCheck.Environment == "" {
		c.DeviceCheck.Environment = "production"
	}
	if c.DeviceCheck.Environment != "production" && c.DeviceCheck.Environment != "development" {
		return fmt.Errorf("devicecheck environment must be production or development, got %q", c.DeviceCheck.Environment)
	}
	if c.DeviceCheck.RequestTimeout <= 0 {
		c.DeviceCheck.RequestTimeout = 5 * time.Second
	}
	if c.DeviceCheck.PrivateKey == "" && c.DeviceCheck.PrivateKeyPath != "" {
		data, err := os.ReadFile(c.DeviceCheck.PrivateKeyPath)
		if err == nil {
			c.DeviceCheck.PrivateKey = strings.TrimSpace(string(data))
		}
	}
	if c.DeviceCheck.Enabled {
		var missing []string
		if c.DeviceCheck.TeamID == "" {
			missing = append(missing, "DEVICECHECK_TEAM_ID")
		}
		if c.DeviceCheck.KeyID == "" {
			missing = append(missing, "DEVICECHECK_KEY_ID")
		}
		if c.DeviceCheck.PrivateKey == "" {
			missing = append(missing, "DEVICECHECK_PRIVATE_KEY or DEVICECHECK_PRIVATE_KEY_PATH")
		}
		if len(missing) > 0 {
			return fmt.Errorf("devicecheck enabled but missing required settings: %s", strings.Join(missing, ", "))
		}
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return nil
}

// VerifierKeyByID returns the configured record for an API key, if any.
func (c *Config) VerifierKeyByID(key string) (VerifierKey, bool) {
	for _, record := range c.Verifier.APIKeys {
		if record.Key == key {
			return record, true
		}
	}
	return VerifierKey{}, false
}

// parseList accepts either a JSON array or a comma-separated list.
func parseList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out := parsed[:0]
			for _, item := range parsed {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			return out
		}
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			*dst = parsed
		}
	}
}
