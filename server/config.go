package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authd/auth"
	"authd/ldap"
	"authd/oidc"
)

// Hardcoded token lifetime defaults
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 12 * time.Hour
	DefaultWSTTL      = 15 * time.Minute
	DefaultPendingTTL = 10 * time.Minute
)

// Duration wraps time.Duration so YAML accepts "15m" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider string        `yaml:"provider"`
	Secrets  SecretsConfig `yaml:"secrets"`
	Tokens   TokensConfig  `yaml:"tokens"`
	Cookies  CookiesConfig `yaml:"cookies"`
	Totp     TotpConfig    `yaml:"totp"`
	Redis    RedisConfig   `yaml:"redis"`
	LDAP     LDAPConfig    `yaml:"ldap"`
	OIDC     OIDCConfig    `yaml:"oidc"`
}

// ServerConfig controls listener and cookie scope concerns.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	PublicURL     string `yaml:"public_url"`
	IssuerName    string `yaml:"issuer_name"`
	CookieDomain  string `yaml:"cookie_domain"`
	SecureCookies bool   `yaml:"secure_cookies"`

	// AllowedOrigins lists SPA origins served cross-origin with
	// credentials. Empty disables CORS handling.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SecretsConfig holds key material locations and values.
type SecretsConfig struct {
	// CookieSignKey protects csrf cookie integrity.
	CookieSignKey string `yaml:"cookie_sign_key"`
	// EncryptionKey seals totp secrets at rest; base64, 32 bytes decoded.
	EncryptionKey string `yaml:"encryption_key"`
	// KeysPath persists the token signing keys between restarts.
	KeysPath       string   `yaml:"keys_path"`
	RotateInterval Duration `yaml:"rotate_interval"`
}

// TokensConfig holds per-kind lifetimes.
type TokensConfig struct {
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
	WSTTL      Duration `yaml:"ws_ttl"`
	PendingTTL Duration `yaml:"pending_ttl"`
}

// CookiesConfig overrides token cookie names and paths.
type CookiesConfig struct {
	AccessName    string `yaml:"access_name"`
	RefreshName   string `yaml:"refresh_name"`
	WSName        string `yaml:"ws_name"`
	CSRFName      string `yaml:"csrf_name"`
	Access2FAName string `yaml:"access_2fa_name"`
	CSRF2FAName   string `yaml:"csrf_2fa_name"`
	RefreshPath   string `yaml:"refresh_path"`
	WSPath        string `yaml:"ws_path"`
	TwoFAPath     string `yaml:"twofa_path"`
}

// TotpConfig is the server-wide two-factor switch.
type TotpConfig struct {
	Enabled bool   `yaml:"enabled"`
	Issuer  string `yaml:"issuer"`
}

// RedisConfig points at the pending-secret cache. An empty URL selects the
// in-process fallback cache.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LDAPConfig configures the directory provider.
type LDAPConfig struct {
	Servers                    []string `yaml:"servers"`
	BaseDN                     string   `yaml:"base_dn"`
	Dialect                    string   `yaml:"dialect"`
	LoginAttr                  string   `yaml:"login_attr"`
	BindDN                     string   `yaml:"bind_dn"`
	BindPassword               string   `yaml:"bind_password"`
	UPNSuffix                  string   `yaml:"upn_suffix"`
	NetBIOSDomain              string   `yaml:"netbios_domain"`
	ExtraFilter                string   `yaml:"extra_filter"`
	AdminGroup                 string   `yaml:"admin_group"`
	AdminGroupScope            string   `yaml:"admin_group_scope"`
	AutoCreateUser             bool     `yaml:"auto_create_user"`
	EnablePasswordAuthFallback bool     `yaml:"enable_password_auth_fallback"`
	Timeout                    Duration `yaml:"timeout"`
}

// OIDCConfig configures the relying party.
type OIDCConfig struct {
	Issuer                     string   `yaml:"issuer"`
	ClientID                   string   `yaml:"client_id"`
	ClientSecret               string   `yaml:"client_secret"`
	RedirectURI                string   `yaml:"redirect_uri"`
	Scopes                     []string `yaml:"scopes"`
	RoleClaim                  string   `yaml:"role_claim"`
	AdminValue                 string   `yaml:"admin_value"`
	SkipSubjectCheck           bool     `yaml:"skip_subject_check"`
	DesktopPorts               []int    `yaml:"desktop_ports"`
	AutoCreateUser             bool     `yaml:"auto_create_user"`
	EnablePasswordAuthFallback bool     `yaml:"enable_password_auth_fallback"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:    "127.0.0.1:8080",
			PublicURL:     "http://127.0.0.1:8080",
			IssuerName:    "authd",
			SecureCookies: true,
		},
		Provider: "local",
		Secrets: SecretsConfig{
			KeysPath:       ".keys",
			RotateInterval: Duration(24 * time.Hour),
		},
		Tokens: TokensConfig{
			AccessTTL:  Duration(DefaultAccessTTL),
			RefreshTTL: Duration(DefaultRefreshTTL),
			WSTTL:      Duration(DefaultWSTTL),
			PendingTTL: Duration(DefaultPendingTTL),
		},
		Totp: TotpConfig{Issuer: "authd"},
		LDAP: LDAPConfig{
			Dialect: string(ldap.DialectGeneric),
			Timeout: Duration(10 * time.Second),
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_LISTEN_ADDR":        func(v string) { cfg.Server.ListenAddr = v },
		"AUTHD_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SECURE_COOKIES":     func(v string) { cfg.Server.SecureCookies = parseBool(v, cfg.Server.SecureCookies) },
		"AUTHD_PROVIDER":           func(v string) { cfg.Provider = v },
		"AUTHD_COOKIE_SIGN_KEY":    func(v string) { cfg.Secrets.CookieSignKey = v },
		"AUTHD_ENCRYPTION_KEY":     func(v string) { cfg.Secrets.EncryptionKey = v },
		"AUTHD_KEYS_PATH":          func(v string) { cfg.Secrets.KeysPath = v },
		"AUTHD_TOTP_ENABLED":       func(v string) { cfg.Totp.Enabled = parseBool(v, cfg.Totp.Enabled) },
		"AUTHD_REDIS_URL":          func(v string) { cfg.Redis.URL = v },
		"AUTHD_LDAP_SERVERS":       func(v string) { cfg.LDAP.Servers = splitAndTrim(v) },
		"AUTHD_LDAP_BIND_PASSWORD": func(v string) { cfg.LDAP.BindPassword = v },
		"AUTHD_OIDC_CLIENT_SECRET": func(v string) { cfg.OIDC.ClientSecret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Secrets.CookieSignKey == "" {
		slog.Error("Missing required configuration", "field", "secrets.cookie_sign_key")
		return errors.New("secrets.cookie_sign_key is required")
	}
	if _, err := c.EncryptionKey(); err != nil {
		slog.Error("Invalid configuration value", "field", "secrets.encryption_key", "error", err)
		return err
	}

	switch c.Provider {
	case "local":
	case "ldap":
		if len(c.LDAP.Servers) == 0 {
			slog.Error("Missing required configuration", "field", "ldap.servers")
			return errors.New("ldap.servers is required for the ldap provider")
		}
		if d := ldap.Dialect(c.LDAP.Dialect); d != ldap.DialectAD && d != ldap.DialectGeneric {
			return fmt.Errorf("ldap.dialect must be %q or %q, got: %s", ldap.DialectAD, ldap.DialectGeneric, c.LDAP.Dialect)
		}
		if c.LDAP.BaseDN == "" && ldap.Dialect(c.LDAP.Dialect) == ldap.DialectGeneric {
			slog.Error("Missing required configuration", "field", "ldap.base_dn")
			return errors.New("ldap.base_dn is required for the generic dialect")
		}
		if s := c.LDAP.AdminGroupScope; s != "" && s != ldap.AdminScopeBase && s != ldap.AdminScopeSub {
			return fmt.Errorf("ldap.admin_group_scope must be %q or %q, got: %s", ldap.AdminScopeBase, ldap.AdminScopeSub, s)
		}
	case "oidc":
		if c.OIDC.Issuer == "" {
			slog.Error("Missing required configuration", "field", "oidc.issuer")
			return errors.New("oidc.issuer is required for the oidc provider")
		}
		if c.OIDC.ClientID == "" {
			slog.Error("Missing required configuration", "field", "oidc.client_id")
			return errors.New("oidc.client_id is required for the oidc provider")
		}
		if c.OIDC.RedirectURI == "" {
			slog.Error("Missing required configuration", "field", "oidc.redirect_uri")
			return errors.New("oidc.redirect_uri is required for the oidc provider")
		}
	default:
		return fmt.Errorf("provider must be local, ldap, or oidc, got: %s", c.Provider)
	}

	return nil
}

// EncryptionKey decodes the base64 secret-sealing key.
func (c Config) EncryptionKey() ([]byte, error) {
	if c.Secrets.EncryptionKey == "" {
		return nil, errors.New("secrets.encryption_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CookieConfig merges the cookie overrides onto the defaults.
func (c Config) CookieConfig() auth.CookieConfig {
	cookies := auth.DefaultCookieConfig()
	cookies.Domain = c.Server.CookieDomain
	cookies.Secure = c.Server.SecureCookies
	if v := c.Cookies.AccessName; v != "" {
		cookies.AccessName = v
	}
	if v := c.Cookies.RefreshName; v != "" {
		cookies.RefreshName = v
	}
	if v := c.Cookies.WSName; v != "" {
		cookies.WSName = v
	}
	if v := c.Cookies.CSRFName; v != "" {
		cookies.CSRFName = v
	}
	if v := c.Cookies.Access2FAName; v != "" {
		cookies.Access2FAName = v
	}
	if v := c.Cookies.CSRF2FAName; v != "" {
		cookies.CSRF2FAName = v
	}
	if v := c.Cookies.RefreshPath; v != "" {
		cookies.RefreshPath = v
	}
	if v := c.Cookies.WSPath; v != "" {
		cookies.WSPath = v
	}
	if v := c.Cookies.TwoFAPath; v != "" {
		cookies.TwoFAPath = v
	}
	return cookies
}

// TokenTTLs converts the configured lifetimes.
func (c Config) TokenTTLs() auth.TokenTTLConfig {
	return auth.TokenTTLConfig{
		Access:  c.Tokens.AccessTTL.Std(),
		Refresh: c.Tokens.RefreshTTL.Std(),
		WS:      c.Tokens.WSTTL.Std(),
		Pending: c.Tokens.PendingTTL.Std(),
	}
}

// LDAPOptions converts the directory configuration.
func (c Config) LDAPOptions() ldap.Options {
	return ldap.Options{
		Servers:                    c.LDAP.Servers,
		BaseDN:                     c.LDAP.BaseDN,
		Dialect:                    ldap.Dialect(c.LDAP.Dialect),
		LoginAttr:                  c.LDAP.LoginAttr,
		BindDN:                     c.LDAP.BindDN,
		BindPassword:               c.LDAP.BindPassword,
		UPNSuffix:                  c.LDAP.UPNSuffix,
		NetBIOSDomain:              c.LDAP.NetBIOSDomain,
		ExtraFilter:                c.LDAP.ExtraFilter,
		AdminGroup:                 c.LDAP.AdminGroup,
		AdminGroupScope:            c.LDAP.AdminGroupScope,
		AutoCreateUser:             c.LDAP.AutoCreateUser,
		EnablePasswordAuthFallback: c.LDAP.EnablePasswordAuthFallback,
		Timeout:                    c.LDAP.Timeout.Std(),
	}
}

// OIDCOptions converts the relying party configuration. Credential lookup and
// reconciliation are wired in during app assembly.
func (c Config) OIDCOptions() oidc.Options {
	return oidc.Options{
		Issuer:                     c.OIDC.Issuer,
		ClientID:                   c.OIDC.ClientID,
		ClientSecret:               c.OIDC.ClientSecret,
		RedirectURI:                c.OIDC.RedirectURI,
		Scopes:                     c.OIDC.Scopes,
		RoleClaim:                  c.OIDC.RoleClaim,
		AdminValue:                 c.OIDC.AdminValue,
		SkipSubjectCheck:           c.OIDC.SkipSubjectCheck,
		DesktopPorts:               c.OIDC.DesktopPorts,
		AutoCreateUser:             c.OIDC.AutoCreateUser,
		EnablePasswordAuthFallback: c.OIDC.EnablePasswordAuthFallback,
		SecureCookies:              c.Server.SecureCookies,
	}
}
