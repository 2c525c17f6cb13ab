// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables holds the engine's protocol knobs. The zero value is
// usable: every field defaults in normalize. Loadable from a YAML
// file for deployments that tune rotation or backup batching.
type Tunables struct {
	// RotationMessages is the number of messages after which an
	// outbound group session is rotated.
	RotationMessages uint32 `yaml:"rotation_messages"`

	// RotationPeriod is the maximum age of an outbound group session.
	RotationPeriod time.Duration `yaml:"rotation_period"`

	// BackupBatchSize is the maximum number of sessions uploaded per
	// backup request.
	BackupBatchSize int `yaml:"backup_batch_size"`

	// VerificationTimeout bounds the lifetime of a verification
	// request or transaction.
	VerificationTimeout time.Duration `yaml:"verification_timeout"`

	// DummyInterval rate-limits wedged-session recovery per remote
	// device.
	DummyInterval time.Duration `yaml:"dummy_interval"`

	// OneTimeKeyTarget is the pool size the engine replenishes toward
	// when the server-reported count drops. Zero means half the
	// account maximum.
	OneTimeKeyTarget int `yaml:"one_time_key_target"`
}

func (t *Tunables) normalize() {
	if t.RotationMessages == 0 {
		t.RotationMessages = 100
	}
	if t.RotationPeriod == 0 {
		t.RotationPeriod = 7 * 24 * time.Hour
	}
	if t.BackupBatchSize == 0 {
		t.BackupBatchSize = 100
	}
	if t.VerificationTimeout == 0 {
		t.VerificationTimeout = 5 * time.Minute
	}
	if t.DummyInterval == 0 {
		t.DummyInterval = time.Hour
	}
}

// LoadTunables reads a YAML tunables file. Unknown fields are
// rejected so typos fail loudly.
func LoadTunables(path string) (Tunables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("crypto: reading tunables: %w", err)
	}
	var tunables Tunables
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&tunables); err != nil {
		return Tunables{}, fmt.Errorf("crypto: parsing tunables %s: %w", path, err)
	}
	return tunables, nil
}
