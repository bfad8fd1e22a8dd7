package cred

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// keyFileName holds the generated master key when none is supplied.
const keyFileName = ".master.key"

// EncryptedFileStorage persists credentials as authenticated-encrypted
// files, one per credential, keyed by a process-wide master key.
//
// Each file holds nonce||ciphertext from XChaCha20-Poly1305; tampering or
// a wrong key surfaces as CredentialCorrupt, never as silently missing
// data. An index of ids is kept in cleartext alongside the credential
// files so listing never requires decryption.
//
// When no key is supplied, one is generated, written next to the
// credential files with mode 0600, and a one-time warning tells the
// operator to move it to secure storage.
type EncryptedFileStorage struct {
	dir  string
	key  []byte
	mu   sync.Mutex
	once sync.Once
}

// credentialRecord is the persisted form. Secrets are serialized as plain
// strings here; the whole record is encrypted before touching disk.
type credentialRecord struct {
	ID            string               `json:"id"`
	Kind          string               `json:"kind"`
	Keys          map[string]keyRecord `json:"keys"`
	ProviderID    string               `json:"provider_id,omitempty"`
	AutoRefresh   bool                 `json:"auto_refresh"`
	LastRefreshed time.Time            `json:"last_refreshed,omitempty"`
	Version       int                  `json:"version"`
}

type keyRecord struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewEncryptedFileStorage opens (or initializes) encrypted storage in dir.
//
// key must be chacha20poly1305.KeySize (32) bytes, or nil to load or
// generate the key file in dir.
func NewEncryptedFileStorage(dir string, key []byte) (*EncryptedFileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &Error{Code: CodeStorage, Message: fmt.Sprintf("create credential dir %s", dir), Cause: err}
	}

	s := &EncryptedFileStorage{dir: dir}

	if key == nil {
		loaded, err := s.loadOrGenerateKey()
		if err != nil {
			return nil, err
		}
		key = loaded
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, &Error{Code: CodeStorage, Message: fmt.Sprintf("master key must be %d bytes", chacha20poly1305.KeySize)}
	}
	s.key = key

	return s, nil
}

// loadOrGenerateKey reads the key file, creating it on first use.
func (s *EncryptedFileStorage) loadOrGenerateKey() ([]byte, error) {
	path := filepath.Join(s.dir, keyFileName)

	if raw, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, &Error{Code: CodeStorage, Message: fmt.Sprintf("key file %s is malformed", path)}
		}
		return key, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, &Error{Code: CodeStorage, Message: "generate master key", Cause: err}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, &Error{Code: CodeStorage, Message: fmt.Sprintf("write key file %s", path), Cause: err}
	}

	s.once.Do(func() {
		log.Printf("cred: no encryption key configured; generated one at %s - move it to secure storage and supply it explicitly", path)
	})

	return key, nil
}

// Load implements Storage.
func (s *EncryptedFileStorage) Load(_ context.Context, id string) (*Credential, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.credPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(id)
		}
		return nil, &Error{Code: CodeStorage, Message: fmt.Sprintf("read credential %q", id), Cause: err}
	}

	plaintext, err := s.decrypt(raw)
	if err != nil {
		return nil, &Error{Code: CodeCorrupt, Message: fmt.Sprintf("credential %q failed authentication", id)}
	}

	var record credentialRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, &Error{Code: CodeCorrupt, Message: fmt.Sprintf("credential %q record is malformed", id)}
	}

	return record.credential(), nil
}

// Save implements Storage. The credential file and the index are written
// atomically via temp file and rename.
func (s *EncryptedFileStorage) Save(ctx context.Context, c *Credential) error {
	if err := validateID(c.ID); err != nil {
		return err
	}

	record := newRecord(c)
	plaintext, err := json.Marshal(record)
	if err != nil {
		return &Error{Code: CodeStorage, Message: fmt.Sprintf("encode credential %q", c.ID), Cause: err}
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return &Error{Code: CodeStorage, Message: fmt.Sprintf("encrypt credential %q", c.ID), Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomicWrite(s.credPath(c.ID), ciphertext, 0o600); err != nil {
		return &Error{Code: CodeStorage, Message: fmt.Sprintf("write credential %q", c.ID), Cause: err}
	}
	return s.updateIndex(ctx, c.ID, true)
}

// Delete implements Storage.
func (s *EncryptedFileStorage) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.credPath(id)); err != nil && !os.IsNotExist(err) {
		return &Error{Code: CodeStorage, Message: fmt.Sprintf("delete credential %q", id), Cause: err}
	}
	return s.updateIndex(ctx, id, false)
}

// List implements Storage, reading the cleartext index.
func (s *EncryptedFileStorage) List(_ context.Context) ([]string, error) {
	ids, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *EncryptedFileStorage) credPath(id string) string {
	return filepath.Join(s.dir, id+".cred")
}

func (s *EncryptedFileStorage) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *EncryptedFileStorage) readIndex() ([]string, error) {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Code: CodeStorage, Message: "read credential index", Cause: err}
	}

	var index struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, &Error{Code: CodeStorage, Message: "credential index is malformed", Cause: err}
	}
	return index.IDs, nil
}

// updateIndex rewrites the cleartext id index. Caller holds s.mu.
func (s *EncryptedFileStorage) updateIndex(_ context.Context, id string, present bool) error {
	ids, err := s.readIndex()
	if err != nil {
		return err
	}

	set := make(map[string]bool, len(ids)+1)
	for _, existing := range ids {
		set[existing] = true
	}
	if present {
		set[id] = true
	} else {
		delete(set, id)
	}

	updated := make([]string, 0, len(set))
	for existing := range set {
		updated = append(updated, existing)
	}
	sort.Strings(updated)

	raw, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: updated})
	if err != nil {
		return &Error{Code: CodeStorage, Message: "encode credential index", Cause: err}
	}
	if err := atomicWrite(s.indexPath(), raw, 0o600); err != nil {
		return &Error{Code: CodeStorage, Message: "write credential index", Cause: err}
	}
	return nil
}

func (s *EncryptedFileStorage) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *EncryptedFileStorage) decrypt(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// atomicWrite writes via a temp file in the same directory and renames it
// into place, so a crash never leaves a partial file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// validateID rejects ids that could escape the storage directory.
func validateID(id string) error {
	if id == "" {
		return &Error{Code: CodeInvalid, Message: "credential id is empty"}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential id %q contains path separators", id)}
	}
	return nil
}

func newRecord(c *Credential) credentialRecord {
	keys := make(map[string]keyRecord, len(c.Keys))
	for name, key := range c.Keys {
		keys[name] = keyRecord{
			Name:      key.Name,
			Value:     key.Secret.Reveal(),
			ExpiresAt: key.ExpiresAt,
		}
	}
	return credentialRecord{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Keys:          keys,
		ProviderID:    c.ProviderID,
		AutoRefresh:   c.AutoRefresh,
		LastRefreshed: c.LastRefreshed,
		Version:       c.Version,
	}
}

func (r credentialRecord) credential() *Credential {
	keys := make(map[string]Key, len(r.Keys))
	for name, key := range r.Keys {
		keys[name] = Key{
			Name:      key.Name,
			Secret:    NewSecret(key.Value),
			ExpiresAt: key.ExpiresAt,
		}
	}
	return &Credential{
		ID:            r.ID,
		Kind:          Kind(r.Kind),
		Keys:          keys,
		ProviderID:    r.ProviderID,
		AutoRefresh:   r.AutoRefresh,
		LastRefreshed: r.LastRefreshed,
		Version:       r.Version,
	}
}
