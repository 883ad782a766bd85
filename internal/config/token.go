package config

import "os"

// ClientToken returns the bearer token a client daemon should send, checking
// the environment before the config file.
func ClientToken(cfg *Config) string {
	if token := os.Getenv("PUSHPALS_AUTH_TOKEN"); token != "" {
		return token
	}
	if cfg != nil {
		return cfg.Client.AuthToken
	}
	return ""
}

// ServerURL returns the hub base URL, checking the environment before the
// config file.
func ServerURL(cfg *Config) string {
	if url := os.Getenv("PUSHPALS_SERVER_URL"); url != "" {
		return url
	}
	if cfg != nil && cfg.Client.ServerURL != "" {
		return cfg.Client.ServerURL
	}
	return "http://127.0.0.1:8333"
}
