package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	ListenAddr     string
	AdminAddr      string
	AllowedOrigins string

	TokenTimeout     time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	SecurityProxy    bool

	// TLS for the tenant-facing listener
	EnableTLS     bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSMinVersion string

	// Backend console TLS (VeNCrypt)
	BackendTLS   bool
	BackendTLSCA string

	AdminToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitGlobal  int
	RateLimitSource  int
	RateLimitBurst   int
	RateLimitCleanup time.Duration

	Debug bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", ":6080", "tenant-facing console listener address")
	flag.StringVar(&cfg.AdminAddr, "admin", ":9100", "metrics, health and admin API listen address")
	flag.StringVar(&cfg.AllowedOrigins, "allowed-origins", "", "comma-separated origin hostnames accepted in addition to the request Host")
	flag.DurationVar(&cfg.TokenTimeout, "token-timeout", 10*time.Minute, "console token lifetime")
	flag.DurationVar(&cfg.ConnectTimeout, "backend-connect-timeout", 10*time.Second, "backend TCP connect timeout")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 15*time.Second, "deadline for the RFB security handshake on both legs (0 disables)")
	flag.BoolVar(&cfg.SecurityProxy, "security-proxy", true, "run the RFB security negotiation; disable for raw byte passthrough")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "serve the tenant listener over TLS")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSMinVersion, "tls-min-version", "1.2", "minimum TLS version for the tenant listener (1.2 or 1.3)")
	flag.BoolVar(&cfg.BackendTLS, "backend-tls", false, "prefer VeNCrypt (TLS) when the backend console offers it")
	flag.StringVar(&cfg.BackendTLSCA, "backend-tls-ca", "", "CA bundle for verifying backend console certificates; requires X509 VeNCrypt subtypes")
	flag.StringVar(&cfg.AdminToken, "admin-token", "", "shared secret for the admin API; empty disables the API")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the shared machine store; empty selects in-memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.IntVar(&cfg.RateLimitGlobal, "rate-limit-global", 0, "global admission attempts per second (0 disables)")
	flag.IntVar(&cfg.RateLimitSource, "rate-limit-source", 5, "admission attempts per second per source IP (0 disables)")
	flag.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", 10, "admission burst size")
	flag.DurationVar(&cfg.RateLimitCleanup, "rate-limit-cleanup-interval", time.Minute, "interval for dropping idle per-source limiters")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
