// Package config loads Talon configuration from defaults, an optional .env file and the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/opensource-finance/talon/internal/domain"
)

// MinKDFIterations is the floor for PBKDF2 iterations.
const MinKDFIterations = 100000

// Load builds the configuration. Files listed in envFiles are loaded first
// (missing files are skipped); real environment variables always win.
func Load(envFiles ...string) (*domain.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("env file not found", "path", f)
				continue
			}
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := domain.DefaultConfig()
	if os.Getenv("TALON_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Providers.HTTPConfigs = cfg.Providers.HTTPConfigs[:0]
	for _, id := range cfg.Providers.HTTP {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		hp := domain.HTTPProviderConfig{ID: id}
		if err := env.Parse(&hp, env.Options{Prefix: providerPrefix(id)}); err != nil {
			return nil, fmt.Errorf("failed to parse provider %s: %w", id, err)
		}
		cfg.Providers.HTTPConfigs = append(cfg.Providers.HTTPConfigs, hp)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run safely with.
func Validate(cfg *domain.Config) error {
	if cfg.Crypto.KDFIterations < MinKDFIterations {
		return fmt.Errorf("TALON_KDF_ITERATIONS must be at least %d", MinKDFIterations)
	}
	if cfg.Crypto.MasterKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Crypto.MasterKey)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("TALON_MASTER_KEY must be base64 encoded 32 bytes")
		}
	}
	if cfg.Payment.Retry.MaxAttempts < 1 {
		return fmt.Errorf("TALON_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	for _, hp := range cfg.Providers.HTTPConfigs {
		if hp.BaseURL == "" {
			return fmt.Errorf("%sURL is required", providerPrefix(hp.ID))
		}
	}
	if _, err := TenantRoutes(cfg.Providers); err != nil {
		return err
	}
	if _, err := Pairs(cfg.Payment.FXRates); err != nil {
		return fmt.Errorf("TALON_FX_RATES: %w", err)
	}
	if _, err := Pairs(cfg.Risk.GeoScores); err != nil {
		return fmt.Errorf("TALON_RISK_GEO_SCORES: %w", err)
	}
	return nil
}

// Pairs parses "KEY=value" entries. Keys are upper-cased.
func Pairs(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid entry %q", entry)
		}
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

// TenantRoutes parses "tenant=p1,p2" entries into per-tenant preference orders.
func TenantRoutes(cfg domain.ProvidersConfig) (map[string][]string, error) {
	routes := make(map[string][]string, len(cfg.TenantRoutes))
	for _, entry := range cfg.TenantRoutes {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tenant, list, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(tenant) == "" {
			return nil, fmt.Errorf("invalid tenant route %q", entry)
		}
		var order []string
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
		routes[strings.TrimSpace(tenant)] = order
	}
	return routes, nil
}

func providerPrefix(id string) string {
	return "TALON_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_"
}
