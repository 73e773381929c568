// Package config loads and validates the proxy's TOML configuration:
// listener/TLS/upstream material, size ceilings, cache backend selection
// and the per-DN bind-map.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/policy"
)

const (
	DefaultMaxIncomingBERSize = 8 << 20
	DefaultMaxProxyBERSize    = 8 << 20
)

// RemoteIPAddrInfo selects how the real client address is learned.
type RemoteIPAddrInfo string

const (
	RemoteIPNone    RemoteIPAddrInfo = "None"
	RemoteIPProxyV2 RemoteIPAddrInfo = "ProxyV2"
)

// CacheType selects the fallback cache backend.
type CacheType string

const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeRedis  CacheType = "redis"
)

// CacheConfig is the [cache] table.
type CacheConfig struct {
	Type       CacheType `mapstructure:"type"`
	SizeBytes  int       `mapstructure:"size_bytes"`
	URL        string    `mapstructure:"url"`
	TTLSeconds int       `mapstructure:"ttl_seconds"`
	KeyPrefix  string    `mapstructure:"key_prefix"`
}

// BindMapEntry is one [<dn>] table: a DN and its optional allowed_queries
// restriction, as raw string triples straight from the file. The filter
// text stays uncanonicalized here; Validate only checks that it parses,
// and BuildBindMap canonicalizes it.
type BindMapEntry struct {
	DN             string
	AllowedQueries [][3]string `mapstructure:"allowed_queries"`
}

// Config is the fully parsed, unvalidated configuration surface from
// spec §6.
type Config struct {
	Bind               string           `mapstructure:"bind"`
	TLSChain           string           `mapstructure:"tls_chain"`
	TLSKey             string           `mapstructure:"tls_key"`
	LDAPCA             string           `mapstructure:"ldap_ca"`
	LDAPURL            string           `mapstructure:"ldap_url"`
	MaxIncomingBERSize int              `mapstructure:"max_incoming_ber_size"`
	MaxProxyBERSize    int              `mapstructure:"max_proxy_ber_size"`
	AllowAllBindDNs    bool             `mapstructure:"allow_all_bind_dns"`
	RemoteIPAddrInfo   RemoteIPAddrInfo `mapstructure:"remote_ip_addr_info"`
	Cache              CacheConfig      `mapstructure:"cache"`

	// BindMap holds every top-level table besides the reserved keys
	// above; each key is a DN. Populated by Load from viper's raw
	// settings since bind-map DNs are arbitrary table names, not a
	// mapstructure-friendly fixed field.
	BindMap map[string]BindMapEntry
}

var reservedKeys = map[string]struct{}{
	"bind": {}, "tls_chain": {}, "tls_key": {}, "ldap_ca": {}, "ldap_url": {},
	"max_incoming_ber_size": {}, "max_proxy_ber_size": {}, "allow_all_bind_dns": {},
	"remote_ip_addr_info": {}, "cache": {},
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	v.SetDefault("max_incoming_ber_size", DefaultMaxIncomingBERSize)
	v.SetDefault("max_proxy_ber_size", DefaultMaxProxyBERSize)
	v.SetDefault("allow_all_bind_dns", false)
	v.SetDefault("remote_ip_addr_info", string(RemoteIPNone))
	v.SetDefault("cache.type", string(CacheTypeMemory))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.BindMap = make(map[string]BindMapEntry)
	for _, key := range v.AllKeys() {
		top := topLevelKey(key)
		if _, reserved := reservedKeys[top]; reserved {
			continue
		}
		if _, ok := cfg.BindMap[top]; ok {
			continue
		}
		var entry BindMapEntry
		if err := v.UnmarshalKey(top, &entry); err != nil {
			return nil, fmt.Errorf("%s: bind-map entry %q: %w", op, top, err)
		}
		entry.DN = top
		cfg.BindMap[top] = entry
	}

	return &cfg, nil
}

func topLevelKey(key string) string {
	for i, r := range key {
		if r == '.' {
			return key[:i]
		}
	}
	return key
}

// Validate checks the loaded configuration for internal consistency, per
// spec §7's configuration-validation-errors-are-fatal rule.
func (c *Config) Validate() error {
	const op = "config.(Config).Validate"

	if c.LDAPURL == "" {
		return fmt.Errorf("%s: ldap_url is required", op)
	}
	if c.Bind == "" {
		return fmt.Errorf("%s: bind is required", op)
	}
	switch c.Cache.Type {
	case CacheTypeMemory:
	case CacheTypeRedis:
		if c.Cache.URL == "" {
			return fmt.Errorf("%s: cache.url is required for cache type redis", op)
		}
	default:
		return fmt.Errorf("%s: unrecognized cache type %q", op, c.Cache.Type)
	}
	switch c.RemoteIPAddrInfo {
	case "", RemoteIPNone, RemoteIPProxyV2:
	default:
		return fmt.Errorf("%s: unrecognized remote_ip_addr_info %q", op, c.RemoteIPAddrInfo)
	}
	for dn, entry := range c.BindMap {
		for _, q := range entry.AllowedQueries {
			if _, err := ldapproto.CanonicalizeFilter(q[2]); err != nil {
				return fmt.Errorf("%s: bind-map entry %q: invalid filter %q: %w", op, dn, q[2], err)
			}
		}
	}
	return nil
}

// BuildBindMap converts the validated configuration's bind-map tables
// into the immutable policy.BindMap the session package consults.
func (c *Config) BuildBindMap() (*policy.BindMap, error) {
	const op = "config.(Config).BuildBindMap"

	entries := make(map[string]policy.Entry, len(c.BindMap))
	for dn, raw := range c.BindMap {
		entry := policy.Entry{Restricted: len(raw.AllowedQueries) > 0}
		for _, q := range raw.AllowedQueries {
			filter, err := ldapproto.CanonicalizeFilter(q[2])
			if err != nil {
				return nil, fmt.Errorf("%s: %q: %w", op, dn, err)
			}
			scope, err := parseScope(q[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %q: %w", op, dn, err)
			}
			entry.AllowedQueries = append(entry.AllowedQueries, policy.Query{
				Base:   q[0],
				Scope:  scope,
				Filter: filter,
			})
		}
		entries[dn] = entry
	}
	return policy.New(entries, c.AllowAllBindDNs), nil
}

func parseScope(s string) (ldapproto.Scope, error) {
	switch s {
	case "base":
		return ldapproto.ScopeBaseObject, nil
	case "one":
		return ldapproto.ScopeSingleLevel, nil
	case "subtree":
		return ldapproto.ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("config: unrecognized scope %q", s)
	}
}
