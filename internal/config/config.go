// Package config loads process configuration from environment variables and
// an optional TOML file, and holds the runtime-mutable budget/salt maps
// behind an atomic update closure.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

// BudgetPolicy is the (limit, days) pair produced by the ordered budget
// lookup: exact email -> @domain -> "*" -> {0,1}.
type BudgetPolicy struct {
	Limit float64 `toml:"limit" json:"limit"`
	Days  int     `toml:"days" json:"days"`
}

var defaultBudgetPolicy = BudgetPolicy{Limit: 0, Days: 1}

// Config is the full process configuration: environment-sourced secrets and
// keys, plus the TOML-loadable, runtime-mutable budget and salt maps.
type Config struct {
	ListenAddr string `toml:"listen_addr"`

	AIPipeSecret  string   `toml:"-"`
	OpenRouterKey string   `toml:"-"`
	OpenAIKey     string   `toml:"-"`
	GeminiKey     string   `toml:"-"`
	AdminEmails   []string `toml:"admin_emails"`
	LogLevel      string   `toml:"log_level"`
	OIDCJWKSURL   string   `toml:"oidc_jwks_url"`

	// AdminSetupPasswordHash bootstraps the very first admin when no email
	// is in AdminEmails yet: bcrypt hash of a one-time password generated
	// and printed to stderr on first run, consumed via the
	// X-Admin-Setup-Password header to mint the first real admin token.
	AdminSetupPasswordHash string `toml:"admin_setup_password_hash"`

	Budget map[string]BudgetPolicy `toml:"budget"`
	Salt   map[string]string       `toml:"salt"`
}

func NewDefault() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8787",
		LogLevel:   "info",
		Budget:     map[string]BudgetPolicy{},
		Salt:       map[string]string{},
	}
}

// DefaultConfigPath resolves the XDG-style default config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.toml"
	}
	return filepath.Join(home, ".config", "aipipe-gateway", "config.toml")
}

// DefaultLedgerPath resolves the default location of the cost ledger's
// SQLite file.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".cache", "aipipe-gateway", "ledger.db")
}

// DefaultOpenRouterCachePath resolves the default location of the on-disk
// seed for the OpenRouter model directory.
func DefaultOpenRouterCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "openrouter-models-cache.json"
	}
	return filepath.Join(home, ".cache", "aipipe-gateway", "openrouter-models-cache.json")
}

// LoadOrCreate loads the TOML file at path, creating a default one if absent,
// then layers environment variables on top (env always wins).
func LoadOrCreate(path string) (*Config, error) {
	cfg := NewDefault()
	if path != "" {
		if err := loadOrCreateTOML(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreateTOML(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := generateAdminSetupPassword(cfg); err != nil {
			return fmt.Errorf("generate admin setup password: %w", err)
		}
		return writeAtomic(path, cfg)
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	if cfg.Budget == nil {
		cfg.Budget = map[string]BudgetPolicy{}
	}
	if cfg.Salt == nil {
		cfg.Salt = map[string]string{}
	}
	return nil
}

// generateAdminSetupPassword mints a one-time bootstrap password on first
// run, stores its bcrypt hash, and prints the plaintext once so the
// operator can mint the first admin identity token.
func generateAdminSetupPassword(cfg *Config) error {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	password := base64.RawURLEncoding.EncodeToString(raw[:])
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	cfg.AdminSetupPasswordHash = string(hash)
	fmt.Fprintf(os.Stderr, "gateway: generated one-time admin setup password: %s\n", password)
	fmt.Fprintln(os.Stderr, "gateway: use it once via the X-Admin-Setup-Password header against GET /admin/token?email=<you> to mint your first admin token, then add your email to admin_emails")
	return nil
}

// VerifySetupPassword reports whether raw matches the stored one-time
// bootstrap password hash. Always false once no hash is configured.
func (c *Config) VerifySetupPassword(raw string) bool {
	if strings.TrimSpace(c.AdminSetupPasswordHash) == "" || raw == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.AdminSetupPasswordHash), []byte(raw)) == nil
}

func writeAtomic(path string, cfg *Config) error {
	var buf strings.Builder
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AIPIPE_SECRET")); v != "" {
		cfg.AIPipeSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); v != "" {
		cfg.OpenRouterKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		cfg.GeminiKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_EMAILS")); v != "" {
		cfg.AdminEmails = splitAdminEmails(v)
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
}

func splitAdminEmails(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.AIPipeSecret) == "" {
		return fmt.Errorf("AIPIPE_SECRET is required")
	}
	return nil
}

// IsAdmin reports whether email belongs to the configured admin set.
func (c *Config) IsAdmin(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range c.AdminEmails {
		if e == email {
			return true
		}
	}
	return false
}

// BudgetFor performs the ordered policy lookup: exact email, @domain, "*",
// then the implicit {0,1} default.
func (c *Config) BudgetFor(email string) BudgetPolicy {
	email = strings.ToLower(strings.TrimSpace(email))
	if p, ok := c.Budget[email]; ok {
		return p
	}
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain := "@" + email[at+1:]
		if p, ok := c.Budget[domain]; ok {
			return p
		}
	}
	if p, ok := c.Budget["*"]; ok {
		return p
	}
	return defaultBudgetPolicy
}

// SaltFor returns the current revocation salt for email, and whether one is
// configured at all (its absence means "no salt check required").
func (c *Config) SaltFor(email string) (string, bool) {
	s, ok := c.Salt[strings.ToLower(strings.TrimSpace(email))]
	return s, ok
}

// Store wraps a Config behind a mutex so the salt/budget maps can be mutated
// at runtime (e.g. an operational revoke-by-salt-rotation) without a restart.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.AdminEmails = append([]string(nil), s.cfg.AdminEmails...)
	cp.Budget = cloneBudget(s.cfg.Budget)
	cp.Salt = cloneSalt(s.cfg.Salt)
	return cp
}

func (s *Store) Update(mutator func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.AdminEmails = append([]string(nil), s.cfg.AdminEmails...)
	cp.Budget = cloneBudget(s.cfg.Budget)
	cp.Salt = cloneSalt(s.cfg.Salt)
	if err := mutator(&cp); err != nil {
		return err
	}
	if s.path != "" {
		if err := writeAtomic(s.path, &cp); err != nil {
			return err
		}
	}
	s.cfg = &cp
	return nil
}

func cloneBudget(in map[string]BudgetPolicy) map[string]BudgetPolicy {
	out := make(map[string]BudgetPolicy, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSalt(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
