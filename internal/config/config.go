// Package config assembles runtime settings from defaults, an optional YAML
// file, an optional .env file, RIDEHUB_* environment variables and
// command-line flags, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"ridehub.io/internal/auth"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

const envPrefix = "RIDEHUB_"

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	Token     TokenConfig     `yaml:"token"`
	Password  PasswordConfig  `yaml:"password"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`

	StrictSessions bool     `yaml:"strict_sessions"`
	CORSOrigins    []string `yaml:"cors_origins"`

	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed. Empty means none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type TokenConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

type PasswordConfig struct {
	Algorithm   string `yaml:"algorithm"`
	BcryptCost  int    `yaml:"bcrypt_cost"`
	Concurrency int    `yaml:"concurrency"`
	MinLength   int    `yaml:"min_length"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	AutoMigrate   bool   `yaml:"auto_migrate"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AdminConfig seeds a bootstrap administrator when Email is set.
type AdminConfig struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Default returns the baseline configuration. The token secret has no default.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Token: TokenConfig{
			Issuer: "ridehub",
			TTL:    24 * time.Hour,
		},
		Password: PasswordConfig{
			Algorithm:  auth.HashBcrypt,
			BcryptCost: bcrypt.DefaultCost,
			MinLength:  6,
		},
		Store: StoreConfig{
			Backend:       StoreMemory,
			MongoDatabase: "ridehub",
		},
		RateLimit:   RateLimitConfig{PerSecond: 5, Burst: 10},
		CORSOrigins: []string{"*"},
	}
}

// Load builds a Config from args (without the program name) and the process
// environment. It does not validate; call Validate before use.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv, os.Stderr)
}

func load(args []string, lookup func(string) (string, bool), usage io.Writer) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("ridehub-api", pflag.ContinueOnError)
	fs.SetOutput(usage)
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		envFile    = fs.String("env-file", "", "path to a .env file (default .env when present)")
		flagCfg    = Config{}
	)
	fs.StringVar(&flagCfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&flagCfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address (empty disables)")
	fs.StringVar(&flagCfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&flagCfg.Store.Backend, "store", cfg.Store.Backend, "storage backend: memory, postgres, mongo")
	fs.StringVar(&flagCfg.Store.PostgresDSN, "pg-dsn", "", "PostgreSQL DSN")
	fs.StringVar(&flagCfg.Store.MongoURI, "mongo-uri", "", "MongoDB connection URI")
	fs.BoolVar(&flagCfg.Store.AutoMigrate, "auto-migrate", false, "apply Postgres migrations at startup")
	fs.BoolVar(&flagCfg.StrictSessions, "strict-sessions", false, "re-check the account on every authenticated request")
	fs.DurationVar(&flagCfg.Token.TTL, "token-ttl", cfg.Token.TTL, "session token lifetime")
	fs.StringVar(&flagCfg.Password.Algorithm, "hash-algorithm", cfg.Password.Algorithm, "password hash: bcrypt or argon2id")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath == "" {
		*configPath, _ = lookup(envPrefix + "CONFIG")
	}
	if *configPath != "" {
		if err := cfg.mergeYAML(*configPath); err != nil {
			return Config{}, err
		}
	}

	env, err := dotenvLookup(*envFile, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.mergeEnv(env); err != nil {
		return Config{}, err
	}

	if fs.Changed("http-addr") {
		cfg.HTTPAddr = flagCfg.HTTPAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.GRPCAddr = flagCfg.GRPCAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	if fs.Changed("store") {
		cfg.Store.Backend = flagCfg.Store.Backend
	}
	if fs.Changed("pg-dsn") {
		cfg.Store.PostgresDSN = flagCfg.Store.PostgresDSN
	}
	if fs.Changed("mongo-uri") {
		cfg.Store.MongoURI = flagCfg.Store.MongoURI
	}
	if fs.Changed("auto-migrate") {
		cfg.Store.AutoMigrate = flagCfg.Store.AutoMigrate
	}
	if fs.Changed("strict-sessions") {
		cfg.StrictSessions = flagCfg.StrictSessions
	}
	if fs.Changed("token-ttl") {
		cfg.Token.TTL = flagCfg.Token.TTL
	}
	if fs.Changed("hash-algorithm") {
		cfg.Password.Algorithm = flagCfg.Password.Algorithm
	}
	return cfg, nil
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// dotenvLookup layers the .env file under the real environment: a variable
// set in the process always wins over the file.
func dotenvLookup(path string, lookup func(string) (string, bool)) (func(string) (string, bool), error) {
	explicit := path != ""
	if !explicit {
		if p, ok := lookup(envPrefix + "ENV_FILE"); ok && p != "" {
			path, explicit = p, true
		} else {
			path = ".env"
		}
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("TOKEN_ISSUER", &c.Token.Issuer)
	str("HASH_ALGORITHM", &c.Password.Algorithm)
	str("STORE", &c.Store.Backend)
	str("PG_DSN", &c.Store.PostgresDSN)
	str("MONGO_URI", &c.Store.MongoURI)
	str("MONGO_DATABASE", &c.Store.MongoDatabase)
	str("ADMIN_NAME", &c.Admin.Name)
	str("ADMIN_EMAIL", &c.Admin.Email)
	str("ADMIN_PASSWORD", &c.Admin.Password)

	// JWT_SECRET is accepted for deployments that predate the prefix.
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Token.Secret = v
	}
	str("TOKEN_SECRET", &c.Token.Secret)

	if v, ok := lookup(envPrefix + "CORS_ORIGINS"); ok {
		c.CORSOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "TRUSTED_PROXIES"); ok {
		c.TrustedProxies = splitList(v)
	}

	var errs []error
	parse := func(name string, fn func(string) error) {
		if v, ok := lookup(envPrefix + name); ok {
			if err := fn(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			}
		}
	}
	parse("TOKEN_TTL", func(v string) (err error) { c.Token.TTL, err = time.ParseDuration(v); return })
	parse("BCRYPT_COST", func(v string) (err error) { c.Password.BcryptCost, err = strconv.Atoi(v); return })
	parse("HASH_CONCURRENCY", func(v string) (err error) { c.Password.Concurrency, err = strconv.Atoi(v); return })
	parse("MIN_PASSWORD_LENGTH", func(v string) (err error) { c.Password.MinLength, err = strconv.Atoi(v); return })
	parse("STRICT_SESSIONS", func(v string) (err error) { c.StrictSessions, err = strconv.ParseBool(v); return })
	parse("AUTO_MIGRATE", func(v string) (err error) { c.Store.AutoMigrate, err = strconv.ParseBool(v); return })
	parse("RATE_LIMIT_RPS", func(v string) (err error) { c.RateLimit.PerSecond, err = strconv.ParseFloat(v, 64); return })
	parse("RATE_LIMIT_BURST", func(v string) (err error) { c.RateLimit.Burst, err = strconv.Atoi(v); return })
	return errors.Join(errs...)
}

// Validate reports the first unsafe or inconsistent setting. Every failure
// wraps auth.ErrConfiguration.
func (c Config) Validate() error {
	if err := auth.CheckSecret(c.Token.Secret); err != nil {
		return err
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("%w: token ttl must be positive", auth.ErrConfiguration)
	}
	switch strings.ToLower(c.Password.Algorithm) {
	case auth.HashBcrypt, auth.HashArgon2id:
	default:
		return fmt.Errorf("%w: unsupported hash algorithm %q", auth.ErrConfiguration, c.Password.Algorithm)
	}
	if c.Password.BcryptCost != 0 && (c.Password.BcryptCost < bcrypt.MinCost || c.Password.BcryptCost > bcrypt.MaxCost) {
		return fmt.Errorf("%w: bcrypt cost %d out of range", auth.ErrConfiguration, c.Password.BcryptCost)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres backend requires a DSN", auth.ErrConfiguration)
		}
	case StoreMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			return fmt.Errorf("%w: mongo backend requires a URI and database", auth.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", auth.ErrConfiguration, c.Store.Backend)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http address is required", auth.ErrConfiguration)
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", auth.ErrConfiguration)
	}
	if c.Admin.Email != "" && c.Admin.Password == "" {
		return fmt.Errorf("%w: bootstrap admin requires a password", auth.ErrConfiguration)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: trusted proxy %q: %v", auth.ErrConfiguration, raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q: %v", auth.ErrConfiguration, raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
