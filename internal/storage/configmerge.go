package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// toMap round-trips v through JSON to obtain a generic map[string]any view,
// used so the merge logic works uniformly whether the caller passes a Go
// struct (the default template) or an already-decoded map (stored config).
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeConfigTemplate performs the config-load merge: a shallow
// top-level merge of stored over defaults, followed by an explicit
// one-level-deeper merge for each named subtree, so that a field added to
// the default template after a record was first saved becomes visible
// without clobbering the operator's customized subtree values.
func MergeConfigTemplate(defaultTemplate, stored map[string]any, subtrees []string) map[string]any {
	merged := make(map[string]any, len(defaultTemplate))
	for k, v := range defaultTemplate {
		merged[k] = v
	}
	for k, v := range stored {
		merged[k] = v
	}

	for _, name := range subtrees {
		defSub, _ := defaultTemplate[name].(map[string]any)
		storedSub, hasStored := stored[name].(map[string]any)
		if defSub == nil {
			continue
		}
		sub := make(map[string]any, len(defSub))
		for k, v := range defSub {
			sub[k] = v
		}
		if hasStored {
			for k, v := range storedSub {
				sub[k] = v
			}
		}
		merged[name] = sub
	}
	return merged
}

// LoadServerConfig loads the stored per-server config (if any), merges it
// over defaultTemplate per MergeConfigTemplate, and decodes the result into
// out. defaultTemplate may be a struct or a map[string]any.
func (s *Store) LoadServerConfig(ctx context.Context, serverKey string, defaultTemplate any, subtrees []string, out any) error {
	defMap, err := toMap(defaultTemplate)
	if err != nil {
		return fmt.Errorf("storage: default template: %w", err)
	}

	var stored map[string]any
	found, err := s.Get(ctx, ConfigKey(serverKey), &stored)
	if err != nil {
		return fmt.Errorf("storage: load config %q: %w", serverKey, err)
	}
	if !found {
		stored = map[string]any{}
	}

	merged := MergeConfigTemplate(defMap, stored, subtrees)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("storage: remarshal merged config: %w", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("storage: decode merged config: %w", err)
	}
	return nil
}

// SaveServerConfig persists cfg under the per-server config key and touches
// the registry's lastUsedAt/label.
func (s *Store) SaveServerConfig(ctx context.Context, serverKey, label string, cfg any) error {
	if err := s.Set(ctx, ConfigKey(serverKey), cfg); err != nil {
		return fmt.Errorf("storage: save config %q: %w", serverKey, err)
	}
	return s.TouchServer(ctx, serverKey, label)
}
