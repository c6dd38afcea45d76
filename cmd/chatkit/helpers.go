package main

import (
	"fmt"
	"os"

	chatkit "github.com/drivana-app/chatkit-go"
)

// resolveToken returns the token from the environment or the config file.
// CHATKIT_TOKEN wins so scripts can override a stored login.
func resolveToken(cfg *Config) string {
	if token := os.Getenv("CHATKIT_TOKEN"); token != "" {
		return token
	}
	return cfg.Auth.Token
}

// resolveBaseURL returns the backend base URL, preferring the environment,
// then the config file, then the built-in default.
func resolveBaseURL(cfg *Config) string {
	if u := os.Getenv("CHATKIT_BASE_URL"); u != "" {
		return u
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatkit.DefaultBaseURL
}

// getClient builds an authenticated REST client from config and environment.
func getClient() (*chatkit.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := resolveToken(cfg)
	if token == "" {
		return nil, fmt.Errorf("no token configured; run `chatkit login <token>` or set CHATKIT_TOKEN")
	}
	return chatkit.NewClient(
		chatkit.StaticToken(token),
		chatkit.WithBaseURL(resolveBaseURL(cfg)),
	), nil
}
