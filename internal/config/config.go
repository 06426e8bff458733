// Package config reads service settings from the environment, after loading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"example.com/jit-scheduler/internal/naming"
	"example.com/jit-scheduler/internal/policy"
	"example.com/jit-scheduler/internal/telemetry"
)

const (
	RegistryPostgres = "postgres"
	RegistryMemory   = "memory"
)

type Config struct {
	Addr        string
	DatabaseURL string
	Registry    string

	ISEHost          string
	ISEUsername      string
	ISEPassword      string
	ISEInsecureTLS   bool
	PolicySetName    string
	ShellProfileName string
	CommandSetNames  []string

	ScheduleStart bool
	ScheduleEnd   bool
	RulePrefix    string
	AdmissionExpr string

	// ManagedRulePatterns are globs for backend rules owned beyond
	// RulePrefix; reconcile reports them when no record explains them.
	ManagedRulePatterns []string

	SweepInterval    time.Duration
	SweepWorkers     int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DeletedRetention time.Duration

	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	LogLevel string

	OTLPEndpoint     string
	OTLPHeaders      map[string]string
	OTLPTimeout      time.Duration
	OTLPInsecure     bool
	OTelRequired     bool
	TracesSampler    string
	TracesSamplerArg string
}

// Load reads the environment. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Addr:        p.str("ADDR", ":8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		Registry:    strings.ToLower(p.str("REGISTRY", RegistryPostgres)),

		ISEHost:          p.str("ISE_HOST", ""),
		ISEUsername:      p.str("ISE_USERNAME", ""),
		ISEPassword:      p.str("ISE_PASSWORD", ""),
		ISEInsecureTLS:   p.boolean("ISE_INSECURE_TLS", false),
		PolicySetName:    p.str("POLICY_SET_NAME", "Default"),
		ShellProfileName: p.str("SHELL_PROFILE_NAME", ""),
		CommandSetNames:  p.list("COMMAND_SET_NAMES"),

		ScheduleStart: p.boolean("SCHEDULE_START", false),
		ScheduleEnd:   p.boolean("SCHEDULE_END", false),
		RulePrefix:    p.str("RULE_PREFIX", naming.DefaultPrefix),
		AdmissionExpr: p.str("ADMISSION_EXPR", ""),

		ManagedRulePatterns: p.listOr("MANAGED_RULE_PATTERNS", []string{naming.LegacyPattern}),

		SweepInterval:    p.duration("SWEEP_INTERVAL", 30*time.Second),
		SweepWorkers:     p.integer("SWEEP_WORKERS", 4),
		RetryMaxAttempts: p.integer("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:   p.duration("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:    p.duration("RETRY_MAX_DELAY", 5*time.Minute),
		DeletedRetention: p.duration("DELETED_RETENTION", 30*24*time.Hour),

		RedisAddr:     p.str("REDIS_ADDR", ""),
		RedisPassword: p.str("REDIS_PASSWORD", ""),
		KafkaBrokers:  p.list("KAFKA_BROKERS"),
		KafkaTopic:    p.str("KAFKA_TOPIC", "jit-rule-events"),

		LogLevel: p.str("LOG_LEVEL", "info"),

		OTLPEndpoint:     p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPHeaders:      p.pairs("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPTimeout:      time.Duration(p.integer("OTEL_EXPORTER_OTLP_TIMEOUT", 10000)) * time.Millisecond,
		OTLPInsecure:     p.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelRequired:     p.boolean("OTEL_REQUIRED", false),
		TracesSampler:    p.str("OTEL_TRACES_SAMPLER", ""),
		TracesSamplerArg: p.str("OTEL_TRACES_SAMPLER_ARG", ""),
	}
	if err := errors.Join(append(p.errs, cfg.validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Registry {
	case RegistryPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when REGISTRY=postgres"))
		}
	case RegistryMemory:
	default:
		errs = append(errs, fmt.Errorf("REGISTRY must be %q or %q, got %q", RegistryPostgres, RegistryMemory, c.Registry))
	}
	for key, v := range map[string]string{
		"ISE_HOST":           c.ISEHost,
		"ISE_USERNAME":       c.ISEUsername,
		"ISE_PASSWORD":       c.ISEPassword,
		"SHELL_PROFILE_NAME": c.ShellProfileName,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if len(c.CommandSetNames) == 0 {
		errs = append(errs, errors.New("COMMAND_SET_NAMES needs at least one command set"))
	}
	if c.SweepWorkers < 1 {
		errs = append(errs, errors.New("SWEEP_WORKERS must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be positive"))
	}
	if c.OTLPTimeout <= 0 {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_TIMEOUT must be positive milliseconds"))
	}
	if strings.Contains(c.OTLPEndpoint, "://") {
		if u, err := url.Parse(c.OTLPEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT: %q is not an http(s) URL", c.OTLPEndpoint))
		}
	}
	for _, pattern := range c.ManagedRulePatterns {
		if _, err := naming.CompilePattern(pattern); err != nil {
			errs = append(errs, fmt.Errorf("MANAGED_RULE_PATTERNS: %w", err))
		}
	}
	if err := policy.ValidateCEL(c.AdmissionExpr); err != nil {
		errs = append(errs, fmt.Errorf("ADMISSION_EXPR: %w", err))
	}
	return errors.Join(errs...)
}

// Tracing is the exporter setup for telemetry.Init.
func (c Config) Tracing() telemetry.Tracing {
	return telemetry.Tracing{
		ServiceName: telemetry.DefaultServiceName,
		Endpoint:    c.OTLPEndpoint,
		Headers:     c.OTLPHeaders,
		Timeout:     c.OTLPTimeout,
		Insecure:    c.OTLPInsecure,
		Required:    c.OTelRequired,
		Sampler:     c.TracesSampler,
		SamplerArg:  c.TracesSamplerArg,
	}
}

// LogAttrs is the effective configuration with secrets redacted.
func (c Config) LogAttrs() []any {
	return []any{
		"addr", c.Addr,
		"registry", c.Registry,
		"database_url", redactDSN(c.DatabaseURL),
		"ise_host", c.ISEHost,
		"ise_username", c.ISEUsername,
		"ise_password", redact(c.ISEPassword),
		"ise_insecure_tls", c.ISEInsecureTLS,
		"policy_set", c.PolicySetName,
		"shell_profile", c.ShellProfileName,
		"command_sets", c.CommandSetNames,
		"schedule_start", c.ScheduleStart,
		"schedule_end", c.ScheduleEnd,
		"rule_prefix", c.RulePrefix,
		"managed_rule_patterns", c.ManagedRulePatterns,
		"admission_expr", c.AdmissionExpr,
		"sweep_interval", c.SweepInterval,
		"sweep_workers", c.SweepWorkers,
		"retry_max_attempts", c.RetryMaxAttempts,
		"retry_base_delay", c.RetryBaseDelay,
		"retry_max_delay", c.RetryMaxDelay,
		"deleted_retention", c.DeletedRetention,
		"redis_addr", c.RedisAddr,
		"redis_password", redact(c.RedisPassword),
		"kafka_brokers", c.KafkaBrokers,
		"kafka_topic", c.KafkaTopic,
		"otlp_endpoint", c.OTLPEndpoint,
		"otlp_header_keys", slices.Sorted(maps.Keys(c.OTLPHeaders)),
		"traces_sampler", c.TracesSampler,
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// redactDSN hides the password in a postgres URL or key=value DSN.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok {
		if creds, host, ok := strings.Cut(rest, "@"); ok {
			if user, _, ok := strings.Cut(creds, ":"); ok {
				return scheme + "://" + user + ":********@" + host
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=********"
		}
	}
	return strings.Join(fields, " ")
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs reads a comma separated list of key=value entries. Entries without
// a key are reported.
func (p *parser) pairs(key string) map[string]string {
	var out map[string]string
	for _, part := range p.list(key) {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			p.errs = append(p.errs, fmt.Errorf("%s: %q is not key=value", key, part))
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func (p *parser) listOr(key string, def []string) []string {
	if v := p.list(key); len(v) > 0 {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return v
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return def
	}
	return v
}
