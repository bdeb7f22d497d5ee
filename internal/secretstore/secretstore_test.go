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

package secretstore

import (
	"context"
	"testing"
)

func TestDisabledModeRoundTrip(t *testing.T) {
	s, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	name := TokenSecretName("user-1")

	if err := s.CreateSecret(ctx, name, []byte(`{"access_token":"abc"}`), ""); err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	blob, err := s.ReadSecret(ctx, name)
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if string(blob) != `{"access_token":"abc"}` {
		t.Fatalf("ReadSecret = %s, want the stored blob", blob)
	}

	if err := s.DeleteSecret(ctx, name); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}

	blob, err = s.ReadSecret(ctx, name)
	if err != nil {
		t.Fatalf("ReadSecret after delete: %v", err)
	}
	if blob != nil {
		t.Fatalf("ReadSecret after delete = %s, want nil", blob)
	}
}

func TestTokenSecretName(t *testing.T) {
	if got := TokenSecretName("abc123"); got != "schwab_tokens_abc123" {
		t.Fatalf("TokenSecretName = %s, want schwab_tokens_abc123", got)
	}
}
