package cred

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleCredential() *Credential {
	return &Credential{
		ID:   "hubspot",
		Kind: KindOAuth2,
		Keys: map[string]Key{
			"access_token": {
				Name:      "access_token",
				Secret:    NewSecret("at-secret"),
				ExpiresAt: time.Now().Add(time.Hour).UTC(),
			},
			"refresh_token": {Name: "refresh_token", Secret: NewSecret("rt-secret")},
		},
		AutoRefresh: true,
		Version:     1,
	}
}

func TestEncryptedFileStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		storage, err := NewEncryptedFileStorage(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}

		if err := storage.Save(ctx, sampleCredential()); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		loaded, err := storage.Load(ctx, "hubspot")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.Keys["access_token"].Secret.Reveal() != "at-secret" {
			t.Error("access_token did not round trip")
		}
		if loaded.Keys["refresh_token"].Secret.Reveal() != "rt-secret" {
			t.Error("refresh_token did not round trip")
		}
	})

	t.Run("ciphertext does not contain secret bytes", func(t *testing.T) {
		dir := t.TempDir()
		storage, err := NewEncryptedFileStorage(dir, nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		_ = storage.Save(ctx, sampleCredential())

		raw, err := os.ReadFile(filepath.Join(dir, "hubspot.cred"))
		if err != nil {
			t.Fatalf("read credential file: %v", err)
		}
		if strings.Contains(string(raw), "at-secret") {
			t.Error("credential file contains plaintext secret")
		}
	})

	t.Run("tampered file is CredentialCorrupt", func(t *testing.T) {
		dir := t.TempDir()
		storage, err := NewEncryptedFileStorage(dir, nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		_ = storage.Save(ctx, sampleCredential())

		path := filepath.Join(dir, "hubspot.cred")
		raw, _ := os.ReadFile(path)
		raw[len(raw)-1] ^= 0xFF
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			t.Fatalf("tamper write: %v", err)
		}

		_, err = storage.Load(ctx, "hubspot")
		if !IsCorrupt(err) {
			t.Errorf("Load() of tampered file error = %v, want CredentialCorrupt", err)
		}
	})

	t.Run("index lists ids in cleartext", func(t *testing.T) {
		dir := t.TempDir()
		storage, err := NewEncryptedFileStorage(dir, nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		_ = storage.Save(ctx, sampleCredential())

		ids, err := storage.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(ids) != 1 || ids[0] != "hubspot" {
			t.Errorf("List() = %v", ids)
		}

		raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
		if err != nil {
			t.Fatalf("read index: %v", err)
		}
		if !strings.Contains(string(raw), "hubspot") {
			t.Error("index should carry ids in cleartext")
		}
		if strings.Contains(string(raw), "at-secret") {
			t.Error("index must never carry secret bytes")
		}
	})

	t.Run("generated key persists across reopen", func(t *testing.T) {
		dir := t.TempDir()
		storage, err := NewEncryptedFileStorage(dir, nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		_ = storage.Save(ctx, sampleCredential())

		reopened, err := NewEncryptedFileStorage(dir, nil)
		if err != nil {
			t.Fatalf("reopen error = %v", err)
		}
		loaded, err := reopened.Load(ctx, "hubspot")
		if err != nil {
			t.Fatalf("Load() after reopen error = %v", err)
		}
		if loaded.Keys["access_token"].Secret.Reveal() != "at-secret" {
			t.Error("reopened storage should decrypt with persisted key")
		}
	})

	t.Run("path traversal ids are rejected", func(t *testing.T) {
		storage, err := NewEncryptedFileStorage(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		for _, id := range []string{"../escape", "a/b", `a\b`} {
			if _, err := storage.Load(ctx, id); err == nil {
				t.Errorf("Load(%q) should be rejected", id)
			}
		}
	})

	t.Run("delete removes credential and index entry", func(t *testing.T) {
		storage, err := NewEncryptedFileStorage(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewEncryptedFileStorage() error = %v", err)
		}
		_ = storage.Save(ctx, sampleCredential())

		if err := storage.Delete(ctx, "hubspot"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := storage.Load(ctx, "hubspot"); !IsNotFound(err) {
			t.Errorf("Load() after delete error = %v, want CredentialNotFound", err)
		}
		ids, _ := storage.List(ctx)
		if len(ids) != 0 {
			t.Errorf("List() after delete = %v", ids)
		}
	})
}

func TestEnvStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("loads mapped variable as api_key credential", func(t *testing.T) {
		t.Setenv("TEST_OPENAI_KEY", "sk-env")
		storage := NewEnvStorage(map[string]string{"openai": "TEST_OPENAI_KEY"})

		c, err := storage.Load(ctx, "openai")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if c.Kind != KindAPIKey {
			t.Errorf("Kind = %q, want api_key", c.Kind)
		}
		key, _ := c.DefaultKey()
		if key.Secret.Reveal() != "sk-env" {
			t.Errorf("secret = %q", key.Secret.Reveal())
		}
	})

	t.Run("unset variable is not found", func(t *testing.T) {
		storage := NewEnvStorage(map[string]string{"gone": "TEST_DEFINITELY_UNSET_VAR"})
		if _, err := storage.Load(ctx, "gone"); !IsNotFound(err) {
			t.Errorf("Load() error = %v, want CredentialNotFound", err)
		}
	})

	t.Run("writes are rejected", func(t *testing.T) {
		storage := NewEnvStorage(nil)
		if err := storage.Save(ctx, sampleCredential()); err == nil {
			t.Error("Save() to env storage should fail")
		}
		if err := storage.Delete(ctx, "x"); err == nil {
			t.Error("Delete() on env storage should fail")
		}
	})
}

func TestLayeredStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("primary wins, fallback fills gaps", func(t *testing.T) {
		primary := NewMemStorage()
		fallback := NewMemStorage()

		inPrimary := sampleCredential()
		inPrimary.ID = "both"
		_ = primary.Save(ctx, inPrimary)

		shadowed := sampleCredential()
		shadowed.ID = "both"
		shadowed.Version = 99
		_ = fallback.Save(ctx, shadowed)

		onlyFallback := sampleCredential()
		onlyFallback.ID = "fallback-only"
		_ = fallback.Save(ctx, onlyFallback)

		layered := NewLayeredStorage(primary, fallback)

		got, err := layered.Load(ctx, "both")
		if err != nil {
			t.Fatalf("Load(both) error = %v", err)
		}
		if got.Version == 99 {
			t.Error("primary should shadow fallback")
		}

		if _, err := layered.Load(ctx, "fallback-only"); err != nil {
			t.Errorf("Load(fallback-only) error = %v", err)
		}
	})

	t.Run("writes go to primary", func(t *testing.T) {
		primary := NewMemStorage()
		fallback := NewMemStorage()
		layered := NewLayeredStorage(primary, fallback)

		if err := layered.Save(ctx, sampleCredential()); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if _, err := primary.Load(ctx, "hubspot"); err != nil {
			t.Errorf("primary should hold the write: %v", err)
		}
		if _, err := fallback.Load(ctx, "hubspot"); !IsNotFound(err) {
			t.Errorf("fallback should not hold the write")
		}
	})

	t.Run("list is the union", func(t *testing.T) {
		primary := NewMemStorage()
		fallback := NewMemStorage()
		a := sampleCredential()
		a.ID = "a"
		b := sampleCredential()
		b.ID = "b"
		_ = primary.Save(ctx, a)
		_ = fallback.Save(ctx, b)

		ids, err := NewLayeredStorage(primary, fallback).List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
			t.Errorf("List() = %v", ids)
		}
	})
}
