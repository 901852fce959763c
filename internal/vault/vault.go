// Package vault stores capability server credentials encrypted at
// rest. The master key is derived from a passphrase once at process
// start (Argon2id) and each credential is sealed individually
// (XChaCha20-Poly1305) with its reference name as associated data, so
// ciphertexts cannot be swapped between references.
//
// The vault deliberately has no enumeration API: callers resolve
// references they already know. Log output carries counts, never
// reference names with values.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const fileVersion = 1

// checkPlaintext is sealed into every vault so a wrong passphrase is
// detected at open time instead of on first resolve.
const checkPlaintext = "patchbay-vault-check-v1"

// Argon2id parameters for interactive use.
const (
	kdfTime      = 1
	kdfMemoryKiB = 64 * 1024
	kdfThreads   = 4
)

var errClosed = errors.New("vault is closed")

// CredentialNotFoundError indicates a credential reference that has no
// entry in the vault.
type CredentialNotFoundError struct {
	Ref string
}

func (e *CredentialNotFoundError) Error() string {
	return fmt.Sprintf("credential %q not found in vault", e.Ref)
}

// Kind identifies this error class in structured output.
func (e *CredentialNotFoundError) Kind() string { return "credential_not_found" }

// Secret is a resolved credential value. It prints redacted; callers
// zeroize it once the value has been handed to the transport layer.
type Secret struct {
	value []byte
}

// NewSecret wraps value in a Secret. The Secret takes ownership of
// the slice; callers must not retain it. Resolver implementations
// outside this package construct their results with this.
func NewSecret(value []byte) *Secret {
	return &Secret{value: value}
}

// Bytes returns the raw credential value.
func (s *Secret) Bytes() []byte { return s.value }

// String keeps secrets out of log output and %v formatting.
func (s *Secret) String() string { return "[redacted]" }

// Zero overwrites the value in place. Best effort: copies made by
// callers are their responsibility.
func (s *Secret) Zero() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// Resolver is the read-only view components hold. Only the CLI's
// secret subcommands see the full read/write Vault.
type Resolver interface {
	Resolve(ref string) (*Secret, error)
}

type kdfParams struct {
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

type envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type vaultFile struct {
	Version int                 `json:"version"`
	KDF     kdfParams           `json:"kdf"`
	Check   envelope            `json:"check"`
	Entries map[string]envelope `json:"entries"`
}

// Vault holds sealed credentials and the derived master key. Safe for
// concurrent use.
type Vault struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	key     []byte
	kdf     kdfParams
	check   envelope
	entries map[string]envelope
	closed  bool
}

// Open loads the vault at path, deriving the master key from
// passphrase. A missing file yields an empty vault that is persisted
// on first write; a malformed file or wrong passphrase is an error the
// caller should treat as fatal.
func Open(path string, passphrase []byte, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vault")

	if len(passphrase) == 0 {
		return nil, errors.New("vault passphrase is empty")
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newEmptyVault(path, passphrase, logger)
	case err != nil:
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("malformed vault file %s: %w", path, err)
	}
	if vf.Version != fileVersion {
		return nil, fmt.Errorf("vault file %s has unsupported version %d", path, vf.Version)
	}
	if len(vf.KDF.Salt) == 0 {
		return nil, fmt.Errorf("malformed vault file %s: missing KDF salt", path)
	}

	key := deriveKey(passphrase, vf.KDF)

	v := &Vault{
		path:    path,
		logger:  logger,
		key:     key,
		kdf:     vf.KDF,
		check:   vf.Check,
		entries: vf.Entries,
	}
	if v.entries == nil {
		v.entries = make(map[string]envelope)
	}

	if _, err := v.unseal(v.check, "check"); err != nil {
		v.Close()
		return nil, fmt.Errorf("vault passphrase incorrect for %s", path)
	}

	logger.Info("vault opened", "path", path, "entries", len(v.entries))
	return v, nil
}

func newEmptyVault(path string, passphrase []byte, logger *slog.Logger) (*Vault, error) {
	kdf := kdfParams{
		Salt:      make([]byte, 16),
		Time:      kdfTime,
		MemoryKiB: kdfMemoryKiB,
		Threads:   kdfThreads,
	}
	if _, err := rand.Read(kdf.Salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}

	v := &Vault{
		path:    path,
		logger:  logger,
		key:     deriveKey(passphrase, kdf),
		kdf:     kdf,
		entries: make(map[string]envelope),
	}

	check, err := v.seal([]byte(checkPlaintext), "check")
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("initialize vault: %w", err)
	}
	v.check = check

	logger.Info("vault initialized", "path", path)
	return v, nil
}

func deriveKey(passphrase []byte, kdf kdfParams) []byte {
	return argon2.IDKey(passphrase, kdf.Salt, kdf.Time, kdf.MemoryKiB, kdf.Threads, chacha20poly1305.KeySize)
}

// Resolve returns the credential for ref, decrypting on demand.
// Returns *CredentialNotFoundError when no entry exists.
func (v *Vault) Resolve(ref string) (*Secret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, errClosed
	}
	env, ok := v.entries[ref]
	if !ok {
		return nil, &CredentialNotFoundError{Ref: ref}
	}

	plain, err := v.unseal(env, ref)
	if err != nil {
		// The check passed at open, so this is corruption, not a bad key.
		return nil, fmt.Errorf("decrypt credential %q: %w", ref, err)
	}
	return &Secret{value: plain}, nil
}

// Set seals value under ref and persists the vault. An existing entry
// is replaced.
func (v *Vault) Set(ref string, value []byte) error {
	if ref == "" {
		return errors.New("credential ref is empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errClosed
	}

	env, err := v.seal(value, ref)
	if err != nil {
		return fmt.Errorf("seal credential %q: %w", ref, err)
	}
	v.entries[ref] = env

	if err := v.save(); err != nil {
		return err
	}
	v.logger.Info("credential stored", "entries", len(v.entries))
	return nil
}

// Remove deletes the entry for ref and persists the vault. Returns
// *CredentialNotFoundError when no entry exists.
func (v *Vault) Remove(ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errClosed
	}
	if _, ok := v.entries[ref]; !ok {
		return &CredentialNotFoundError{Ref: ref}
	}
	delete(v.entries, ref)

	if err := v.save(); err != nil {
		return err
	}
	v.logger.Info("credential removed", "entries", len(v.entries))
	return nil
}

// Close zeroizes the master key. Resolve and Set fail afterwards.
// Idempotent.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.closed = true
}

// seal encrypts plaintext with a fresh nonce, binding it to ref via
// associated data. Caller must hold v.mu (or own v exclusively).
func (v *Vault) seal(plaintext []byte, ref string) (envelope, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return envelope{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(ref))
	return envelope{Nonce: nonce, Ciphertext: ct}, nil
}

// unseal reverses seal. Caller must hold v.mu (or own v exclusively).
func (v *Vault) unseal(env envelope, ref string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("bad nonce length")
	}
	return aead.Open(nil, env.Nonce, env.Ciphertext, []byte(ref))
}

// save writes the vault atomically with owner-only permissions.
// Caller must hold v.mu.
func (v *Vault) save() error {
	vf := vaultFile{
		Version: fileVersion,
		KDF:     v.kdf,
		Check:   v.check,
		Entries: v.entries,
	}
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}
