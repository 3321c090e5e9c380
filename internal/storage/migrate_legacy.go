package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// legacyUnknownServer is the fallback ServerKey used when a legacy record
// exists but no hostname can be recovered from it.
const legacyUnknownServer = "unknown_server"

// MigrateLegacyLayout copies a pre-multi-server bot_config/bot_state pair
// into namespaced per-server keys the first time the supervisor starts
// against a store that has no registry yet. Legacy keys are left in place
// as a backup.
//
// detectedServerKey is supplied by the caller (e.g. derived from the first
// configured game URL); if empty, legacyUnknownServer is used.
func (s *Store) MigrateLegacyLayout(ctx context.Context, detectedServerKey string, logger *zap.Logger) error {
	reg, err := s.LoadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("migrate: load registry: %w", err)
	}
	if len(reg) > 0 {
		return nil // registry already present: migration already ran (or never needed)
	}

	hasConfig, err := s.Has(ctx, KeyLegacyConfig)
	if err != nil {
		return fmt.Errorf("migrate: check legacy config: %w", err)
	}
	hasState, err := s.Has(ctx, KeyLegacyState)
	if err != nil {
		return fmt.Errorf("migrate: check legacy state: %w", err)
	}
	if !hasConfig && !hasState {
		return nil // fresh install, nothing to migrate
	}

	serverKey := detectedServerKey
	if serverKey == "" {
		serverKey = legacyUnknownServer
	}

	if hasConfig {
		var legacyCfg map[string]any
		if _, err := s.Get(ctx, KeyLegacyConfig, &legacyCfg); err != nil {
			return fmt.Errorf("migrate: read legacy config: %w", err)
		}
		if err := s.Set(ctx, ConfigKey(serverKey), legacyCfg); err != nil {
			return fmt.Errorf("migrate: write config for %q: %w", serverKey, err)
		}
	}
	if hasState {
		var legacyState map[string]any
		if _, err := s.Get(ctx, KeyLegacyState, &legacyState); err != nil {
			return fmt.Errorf("migrate: read legacy state: %w", err)
		}
		if err := s.Set(ctx, StateKey(serverKey), legacyState); err != nil {
			return fmt.Errorf("migrate: write state for %q: %w", serverKey, err)
		}
	}

	if err := s.MarkMigratedFromLegacy(ctx, serverKey); err != nil {
		return fmt.Errorf("migrate: mark registry: %w", err)
	}

	logger.Info("migrated legacy single-server layout",
		zap.String("server_key", serverKey),
		zap.Bool("had_config", hasConfig),
		zap.Bool("had_state", hasState),
	)
	return nil
}
