// Package identity defines the local node's durable identity and the
// interface to the (out-of-scope) provider that authenticates it.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/chatdni/core/fingerprint"
)

// Identity is this node's durable fingerprint, display name, and Noise
// static key pair. Created once at first run and never mutated thereafter.
type Identity struct {
	Fingerprint      fingerprint.Fingerprint
	DisplayName      string
	StaticPrivateKey [32]byte
}

// AuthProvider authenticates the local installation and returns its
// Identity. The core treats the fingerprint and static key as opaque,
// already-authenticated values; it never derives or validates them itself.
type AuthProvider interface {
	Authenticate() (Identity, error)
}

// ErrAuthFailed wraps any error an AuthProvider returns, for exit-code mapping.
var ErrAuthFailed = errors.New("identity: authentication failed")

// FileProvider is a minimal AuthProvider suitable for a single-user
// desktop-style deployment: it reads (or, on first run, generates and
// persists) a static key pair and fingerprint from a JSON file.
//
// It exists so the composition root has a concrete AuthProvider without
// depending on an external identity service; production deployments are
// expected to supply their own AuthProvider.
type FileProvider struct {
	path        string
	displayName string
	generate    func() (fingerprint.Fingerprint, [32]byte, error)
}

// NewFileProvider creates a FileProvider rooted at path, using generate to
// mint a fresh fingerprint/static key pair on first run.
func NewFileProvider(path, displayName string, generate func() (fingerprint.Fingerprint, [32]byte, error)) *FileProvider {
	return &FileProvider{path: path, displayName: displayName, generate: generate}
}

type onDiskIdentity struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name"`
	StaticPriv  string `json:"static_private_key_hex"`
}

// Authenticate loads the identity from disk, generating and persisting one
// on first run.
func (p *FileProvider) Authenticate() (Identity, error) {
	log := logrus.WithField("component", "identity")

	data, err := os.ReadFile(p.path)
	if err == nil {
		var rec onDiskIdentity
		if err := json.Unmarshal(data, &rec); err != nil {
			return Identity{}, fmt.Errorf("%w: parse %s: %v", ErrAuthFailed, p.path, err)
		}
		fp, err := fingerprint.Parse(rec.Fingerprint)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		decoded, err := hex.DecodeString(rec.StaticPriv)
		if err != nil || len(decoded) != 32 {
			return Identity{}, fmt.Errorf("%w: decode static key", ErrAuthFailed)
		}
		var priv [32]byte
		copy(priv[:], decoded)
		log.WithField("fingerprint", fp.Short()).Info("identity loaded")
		return Identity{Fingerprint: fp, DisplayName: rec.DisplayName, StaticPrivateKey: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("%w: read %s: %v", ErrAuthFailed, p.path, err)
	}

	fp, priv, err := p.generate()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: generate: %v", ErrAuthFailed, err)
	}

	rec := onDiskIdentity{
		Fingerprint: fp.String(),
		DisplayName: p.displayName,
		StaticPriv:  hex.EncodeToString(priv[:]),
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("%w: marshal: %v", ErrAuthFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return Identity{}, fmt.Errorf("%w: mkdir: %v", ErrAuthFailed, err)
	}
	if err := os.WriteFile(p.path, out, 0o600); err != nil {
		return Identity{}, fmt.Errorf("%w: write %s: %v", ErrAuthFailed, p.path, err)
	}

	log.WithField("fingerprint", fp.Short()).Info("identity generated")
	return Identity{Fingerprint: fp, DisplayName: p.displayName, StaticPrivateKey: priv}, nil
}
