// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secretstore adapts HashiCorp Vault's KV-v2 engine to the three
// operations the Token Lifecycle needs: create, read, delete a named
// opaque blob. A disabled/local mode backs the same interface with an
// in-memory cache so the core runs without a Vault instance in
// development.
package secretstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Store is the three-operation Secret Store Adapter from spec §6:
// create_secret, read_secret, delete_secret.
type Store struct {
	client  *api.Client
	enabled bool

	mountPath  string
	secretPath string

	mu    sync.RWMutex
	cache map[string][]byte
}

// Config configures the Vault connection. Leaving Enabled false runs the
// store against its in-memory cache only, for local development.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string // defaults to "secret"
	SecretPath string // defaults to "ingest"
}

// New creates a Secret Store Adapter.
func New(cfg Config) (*Store, error) {
	s := &Store{
		enabled:    cfg.Enabled,
		mountPath:  firstNonEmpty(cfg.MountPath, "secret"),
		secretPath: firstNonEmpty(cfg.SecretPath, "ingest"),
		cache:      make(map[string][]byte),
	}

	if !cfg.Enabled {
		return s, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	s.client = client
	return s, nil
}

// CreateSecret stores a named opaque blob. A non-empty description is
// sent in the "options" map of the data write; no metadata write is made.
func (s *Store) CreateSecret(ctx context.Context, name string, blob []byte, description string) error {
	if !s.enabled {
		s.mu.Lock()
		s.cache[name] = blob
		s.mu.Unlock()
		return nil
	}

	data := map[string]interface{}{
		"data": map[string]interface{}{
			"blob": string(blob),
		},
	}
	if description != "" {
		data["options"] = map[string]interface{}{
			"description": description,
		}
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.dataPath(name), data); err != nil {
		return fmt.Errorf("write secret %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = blob
	s.mu.Unlock()
	return nil
}

// ReadSecret retrieves a named blob. A missing secret returns (nil, nil).
func (s *Store) ReadSecret(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	if !s.enabled {
		return nil, nil
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(name))
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("read secret %s: unexpected KV-v2 shape", name)
	}

	blobStr, ok := inner["blob"].(string)
	if !ok {
		return nil, fmt.Errorf("read secret %s: missing blob field", name)
	}

	blob := []byte(blobStr)

	s.mu.Lock()
	s.cache[name] = blob
	s.mu.Unlock()

	return blob, nil
}

// DeleteSecret removes a named blob's metadata (and all its versions).
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(name)); err != nil {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}

func (s *Store) dataPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.secretPath, name)
}

func (s *Store) metadataPath(name string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.secretPath, name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// TokenSecretName derives the Secret Store name for a user's token blob,
// per spec §6: "schwab_tokens_<user_id>".
func TokenSecretName(userID string) string {
	return fmt.Sprintf("schwab_tokens_%s", userID)
}
