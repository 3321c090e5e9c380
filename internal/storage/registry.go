package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ServerRegistryEntry is one row of the process-wide server registry.
type ServerRegistryEntry struct {
	Label              string    `json:"label"`
	LastUsedAt         time.Time `json:"lastUsedAt"`
	MigratedFromLegacy bool      `json:"migratedFromLegacy,omitempty"`
}

// ServerRegistry is the decoded form of the bot_config_registry key: a
// mapping serverKey -> ServerRegistryEntry.
type ServerRegistry map[string]ServerRegistryEntry

// LoadRegistry returns the current server registry, or an empty one if
// absent.
func (s *Store) LoadRegistry(ctx context.Context) (ServerRegistry, error) {
	var reg ServerRegistry
	found, err := s.Get(ctx, KeyRegistry, &reg)
	if err != nil {
		return nil, err
	}
	if !found || reg == nil {
		return ServerRegistry{}, nil
	}
	return reg, nil
}

// TouchServer records serverKey's label and bumps lastUsedAt, creating the
// registry entry if absent. This is the one registry write path used by
// every SaveServerConfig call.
func (s *Store) TouchServer(ctx context.Context, serverKey, label string) error {
	_, err := s.AtomicMerge(ctx, KeyRegistry, func(current json.RawMessage) (any, error) {
		reg := ServerRegistry{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &reg); err != nil {
				return nil, fmt.Errorf("corrupt registry: %w", err)
			}
		}
		entry := reg[serverKey]
		entry.LastUsedAt = time.Now().UTC()
		if label != "" {
			entry.Label = label
		}
		reg[serverKey] = entry
		return reg, nil
	})
	return err
}

// MarkMigratedFromLegacy flags a registry entry as having been created by
// the legacy-layout migration pass.
func (s *Store) MarkMigratedFromLegacy(ctx context.Context, serverKey string) error {
	_, err := s.AtomicMerge(ctx, KeyRegistry, func(current json.RawMessage) (any, error) {
		reg := ServerRegistry{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &reg); err != nil {
				return nil, fmt.Errorf("corrupt registry: %w", err)
			}
		}
		entry := reg[serverKey]
		entry.MigratedFromLegacy = true
		if entry.LastUsedAt.IsZero() {
			entry.LastUsedAt = time.Now().UTC()
		}
		reg[serverKey] = entry
		return reg, nil
	})
	return err
}
