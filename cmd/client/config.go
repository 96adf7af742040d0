package main

import (
	"flag"
	"time"
)

// Config holds consolecheck runtime configuration.
type Config struct {
	GatewayURL string
	Machine    string
	Token      string
	AdminURL   string
	AdminToken string
	Timeout    time.Duration
	FullInit   bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.GatewayURL, "gateway", "ws://127.0.0.1:6080", "gateway websocket base URL")
	flag.StringVar(&cfg.Machine, "machine", "", "machine id to probe")
	flag.StringVar(&cfg.Token, "token", "", "console token; if empty one is requested through the admin API")
	flag.StringVar(&cfg.AdminURL, "admin", "http://127.0.0.1:9100", "admin API base URL, used when -token is empty")
	flag.StringVar(&cfg.AdminToken, "admin-token", "", "admin API shared secret")
	flag.DurationVar(&cfg.Timeout, "timeout", 15*time.Second, "overall probe deadline")
	flag.BoolVar(&cfg.FullInit, "full-init", true, "continue past the security handshake into client/server init")
}
