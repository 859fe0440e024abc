package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 10 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultPopupsCollection    = "popups"
	defaultLeadsCollection     = "popup_leads"
	defaultLeadsTopic          = "popup-leads"
	defaultEventsTopic         = "popup-events"
	defaultSignedURLTTL        = 10 * time.Minute
	defaultRedisSessionTTL     = 30 * time.Minute
	defaultDurableCookieName   = "popups"
	defaultSessionCookieName   = "popups_session"
	defaultDurableCookieMaxAge = 400 * 24 * time.Hour
	defaultSiteConfigPath      = "popups.yaml"
	defaultPageViewTTL         = 30 * time.Minute
	defaultReapInterval        = time.Minute
	defaultTrackTimeout        = 5 * time.Second
	defaultSubmitTimeout       = 10 * time.Second
	defaultLocales             = "ja,en"
	defaultRateLimitDefault    = 600
	defaultRateLimitSubmit     = 6
	defaultRateLimitBurst      = 3
	defaultSecurityEnvironment = "local"

	minCookieHashKeyLength = 32
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Firestore  FirestoreConfig
	PubSub     PubSubConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Cookies    CookieConfig
	Popups     PopupsConfig
	RateLimits RateLimitConfig
	Security   SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters. An empty project keeps popup definitions and leads in memory.
type FirestoreConfig struct {
	ProjectID        string
	EmulatorHost     string
	PopupsCollection string
	LeadsCollection  string
}

// PubSubConfig names the topics lead and tracking events are published to.
type PubSubConfig struct {
	ProjectID    string
	EmulatorHost string
	LeadsTopic   string
	EventsTopic  string
}

// StorageConfig configures signed download links.
type StorageConfig struct {
	DownloadsBucket string
	SignedURLTTL    time.Duration
	SignerKeyFile   string
}

// RedisConfig configures the device-keyed tiers used by native shells. An empty address disables them.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

// CookieConfig configures the signed cookies that back the browser tiers.
type CookieConfig struct {
	HashKey       string
	BlockKey      string
	Domain        string
	Secure        bool
	DurableName   string
	SessionName   string
	DurableMaxAge time.Duration
}

// PopupsConfig controls page view hosting.
type PopupsConfig struct {
	SiteConfigPath string
	PageViewTTL    time.Duration
	ReapInterval   time.Duration
	SequencerPoll  time.Duration
	TrackTimeout   time.Duration
	SubmitTimeout  time.Duration
	Locales        []string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute int
	SubmitPerMinute  int
	SubmitBurst      int
}

// SecurityConfig groups deployment level settings.
type SecurityConfig struct {
	Environment string
}

// Local reports whether the service runs outside a deployed environment.
func (c SecurityConfig) Local() bool {
	return c.Environment == "" || c.Environment == defaultSecurityEnvironment
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the secret field names, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns stable hashes of the secret field names for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over the
// system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields (e.g. "Cookies.BlockKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the effective environment after applying the Load precedence
// (dotenv < OS env < explicit map). Callers use it to build the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

func defaultOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

// Load assembles the service configuration from defaults, .env overrides, environment variables
// and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "POPUPS_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:  durationWithDefault(lookup, "POPUPS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "POPUPS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "POPUPS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:        stringWithDefault(lookup, "POPUPS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:     stringWithDefault(lookup, "POPUPS_FIRESTORE_EMULATOR_HOST", ""),
			PopupsCollection: stringWithDefault(lookup, "POPUPS_FIRESTORE_POPUPS_COLLECTION", defaultPopupsCollection),
			LeadsCollection:  stringWithDefault(lookup, "POPUPS_FIRESTORE_LEADS_COLLECTION", defaultLeadsCollection),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "POPUPS_PUBSUB_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "POPUPS_PUBSUB_EMULATOR_HOST", ""),
			LeadsTopic:   stringWithDefault(lookup, "POPUPS_PUBSUB_LEADS_TOPIC", defaultLeadsTopic),
			EventsTopic:  stringWithDefault(lookup, "POPUPS_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
		},
		Storage: StorageConfig{
			DownloadsBucket: stringWithDefault(lookup, "POPUPS_STORAGE_DOWNLOADS_BUCKET", ""),
			SignedURLTTL:    durationWithDefault(lookup, "POPUPS_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
			SignerKeyFile:   stringWithDefault(lookup, "POPUPS_STORAGE_SIGNER_KEY_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:       stringWithDefault(lookup, "POPUPS_REDIS_ADDR", ""),
			Password:   stringWithDefault(lookup, "POPUPS_REDIS_PASSWORD", ""),
			DB:         intWithDefault(lookup, "POPUPS_REDIS_DB", 0),
			SessionTTL: durationWithDefault(lookup, "POPUPS_REDIS_SESSION_TTL", defaultRedisSessionTTL),
		},
		Cookies: CookieConfig{
			HashKey:       stringWithDefault(lookup, "POPUPS_COOKIE_HASH_KEY", ""),
			BlockKey:      stringWithDefault(lookup, "POPUPS_COOKIE_BLOCK_KEY", ""),
			Domain:        stringWithDefault(lookup, "POPUPS_COOKIE_DOMAIN", ""),
			Secure:        boolWithDefault(lookup, "POPUPS_COOKIE_SECURE", true),
			DurableName:   stringWithDefault(lookup, "POPUPS_COOKIE_DURABLE_NAME", defaultDurableCookieName),
			SessionName:   stringWithDefault(lookup, "POPUPS_COOKIE_SESSION_NAME", defaultSessionCookieName),
			DurableMaxAge: durationWithDefault(lookup, "POPUPS_COOKIE_DURABLE_MAX_AGE", defaultDurableCookieMaxAge),
		},
		Popups: PopupsConfig{
			SiteConfigPath: stringWithDefault(lookup, "POPUPS_SITE_CONFIG", defaultSiteConfigPath),
			PageViewTTL:    durationWithDefault(lookup, "POPUPS_PAGEVIEW_TTL", defaultPageViewTTL),
			ReapInterval:   durationWithDefault(lookup, "POPUPS_PAGEVIEW_REAP_INTERVAL", defaultReapInterval),
			SequencerPoll:  durationWithDefault(lookup, "POPUPS_SEQUENCER_POLL", 0),
			TrackTimeout:   durationWithDefault(lookup, "POPUPS_TRACK_TIMEOUT", defaultTrackTimeout),
			SubmitTimeout:  durationWithDefault(lookup, "POPUPS_SUBMIT_TIMEOUT", defaultSubmitTimeout),
			Locales:        csvWithDefault(lookup, "POPUPS_LOCALES", defaultLocales),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute: intWithDefault(lookup, "POPUPS_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			SubmitPerMinute:  intWithDefault(lookup, "POPUPS_RATELIMIT_SUBMIT_PER_MIN", defaultRateLimitSubmit),
			SubmitBurst:      intWithDefault(lookup, "POPUPS_RATELIMIT_SUBMIT_BURST", defaultRateLimitBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "POPUPS_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Cookies.HashKey", &cfg.Cookies.HashKey},
		{"Cookies.BlockKey", &cfg.Cookies.BlockKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if len(cfg.Cookies.HashKey) < minCookieHashKeyLength {
		missing = append(missing, "Cookies.HashKey")
	}
	switch len(cfg.Cookies.BlockKey) {
	case 0, 16, 24, 32:
	default:
		missing = append(missing, "Cookies.BlockKey")
	}
	if cfg.Cookies.DurableName == "" || cfg.Cookies.SessionName == "" || cfg.Cookies.DurableName == cfg.Cookies.SessionName {
		missing = append(missing, "Cookies.Names")
	}
	if cfg.Cookies.DurableMaxAge <= 0 {
		missing = append(missing, "Cookies.DurableMaxAge")
	}
	if !cfg.Security.Local() && cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Popups.PageViewTTL <= 0 {
		missing = append(missing, "Popups.PageViewTTL")
	}
	if cfg.Popups.ReapInterval <= 0 {
		missing = append(missing, "Popups.ReapInterval")
	}
	if cfg.Popups.SequencerPoll < 0 {
		missing = append(missing, "Popups.SequencerPoll")
	}
	if cfg.Redis.Addr != "" && cfg.Redis.SessionTTL <= 0 {
		missing = append(missing, "Redis.SessionTTL")
	}
	if cfg.RateLimits.SubmitPerMinute <= 0 || cfg.RateLimits.SubmitBurst <= 0 {
		missing = append(missing, "RateLimits.Submit")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key, fallback string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = fallback
	}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
