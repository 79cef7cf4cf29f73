package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/action-bridge/pkg/events"
	"github.com/morezero/action-bridge/pkg/registry"
)

const logPrefix = "bootstrap:loader"

// EnvBootstrapFile names the environment variable holding a bootstrap path.
const EnvBootstrapFile = "BRIDGE_BOOTSTRAP_FILE"

// LoadBootstrapConfig loads bootstrap config from file paths or environment.
// It tries paths in order: first any paths passed in, then BRIDGE_BOOTSTRAP_FILE,
// then the defaults. Unreadable or unparsable files are skipped. With nothing
// found it returns an empty config.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvBootstrapFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg BootstrapConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse bootstrap file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s (%d services)", logPrefix, p, len(cfg.Services)))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - No bootstrap file found, starting with an empty registry", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the empty fallback configuration.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:    "action-bridge-bootstrap",
		Version: "1.0.0",
	}
}

// Descriptors validates every service in cfg. Either all of them convert or
// an error naming the first bad entry is returned.
func Descriptors(cfg *BootstrapConfig) ([]registry.ServiceDescriptor, error) {
	out := make([]registry.ServiceDescriptor, 0, len(cfg.Services))
	for i, a := range cfg.Services {
		desc, err := a.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("%s - service #%d (%q): %w", logPrefix, i, a.Service, err)
		}
		desc.Source = events.SourceBootstrap
		out = append(out, desc)
	}
	return out, nil
}

// Seed registers every bootstrap service. Nothing is registered if any entry
// is invalid. Later announcements for the same names replace these entries.
func Seed(ctx context.Context, reg *registry.Registry, cfg *BootstrapConfig) (int, error) {
	descs, err := Descriptors(cfg)
	if err != nil {
		return 0, err
	}
	for _, desc := range descs {
		reg.Register(ctx, desc)
	}
	if len(descs) > 0 {
		slog.Info(fmt.Sprintf("%s - Seeded %d services from %s %s", logPrefix, len(descs), cfg.Name, cfg.Version))
	}
	return len(descs), nil
}
