// Package contact implements the Contact Book: a fingerprint-keyed map of
// pinned peers with trust-on-first-use semantics and JSON persistence.
package contact

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

// Contact is one pinned peer record.
type Contact struct {
	Fingerprint     fingerprint.Fingerprint
	DisplayName     string
	PinnedStaticPub [32]byte
	FirstSeenAt     time.Time
}

// PinResult reports what Pin did.
type PinResult uint8

const (
	// Created means no prior record existed; the presented key is now pinned.
	Created PinResult = iota
	// Unchanged means a record existed and the presented key matched the pin.
	Unchanged
	// Violation means a record existed and the presented key did NOT match
	// the pin. The caller must treat this as fatal (see events.PinningViolation).
	Violation
)

type onDiskContact struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name"`
	StaticPub   string `json:"static_pub_base64"`
	FirstSeen   string `json:"first_seen_iso8601"`
}

// Book is the in-memory Contact Book, synchronously flushed to disk on
// every mutation. It is safe for concurrent use, though the spec's
// concurrency model routes all mutation through the single Session task.
type Book struct {
	mu       sync.Mutex
	contacts map[fingerprint.Fingerprint]Contact
	path     string
	clock    clock.Provider
	log      *logrus.Entry
}

// Load reads a Book from path, starting empty if the file does not exist.
func Load(path string, clk clock.Provider) (*Book, error) {
	b := &Book{
		contacts: make(map[fingerprint.Fingerprint]Contact),
		path:     path,
		clock:    clk,
		log:      logrus.WithField("component", "contact"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("contact: read %s: %w", path, err)
	}

	var records []onDiskContact
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("contact: parse %s: %w", path, err)
	}

	for _, rec := range records {
		fp, err := fingerprint.Parse(rec.Fingerprint)
		if err != nil {
			b.log.WithError(err).Warn("skipping malformed contact record")
			continue
		}
		pub, err := base64.StdEncoding.DecodeString(rec.StaticPub)
		if err != nil || len(pub) != 32 {
			b.log.WithField("fingerprint", fp.Short()).Warn("skipping contact with malformed static key")
			continue
		}
		firstSeen, err := time.Parse(time.RFC3339, rec.FirstSeen)
		if err != nil {
			firstSeen = clk.Now()
		}
		var staticPub [32]byte
		copy(staticPub[:], pub)
		b.contacts[fp] = Contact{
			Fingerprint:     fp,
			DisplayName:     rec.DisplayName,
			PinnedStaticPub: staticPub,
			FirstSeenAt:     firstSeen,
		}
	}

	return b, nil
}

// Pin records the first-seen static key for fp, or validates that
// staticPub matches the existing pin.
func (b *Book) Pin(fp fingerprint.Fingerprint, staticPub [32]byte, name string) (PinResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.contacts[fp]
	if !ok {
		b.contacts[fp] = Contact{
			Fingerprint:     fp,
			DisplayName:     name,
			PinnedStaticPub: staticPub,
			FirstSeenAt:     b.clock.Now(),
		}
		b.log.WithField("fingerprint", fp.Short()).Info("new contact pinned (TOFU)")
		if err := b.flushLocked(); err != nil {
			return Created, err
		}
		return Created, nil
	}

	if existing.PinnedStaticPub != staticPub {
		b.log.WithField("fingerprint", fp.Short()).Warn("pinning violation")
		return Violation, nil
	}

	return Unchanged, nil
}

// Lookup returns the contact for fp, if one exists.
func (b *Book) Lookup(fp fingerprint.Fingerprint) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[fp]
	return c, ok
}

// Rename updates a contact's display name, no-op if fp is unknown.
func (b *Book) Rename(fp fingerprint.Fingerprint, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contacts[fp]
	if !ok {
		return nil
	}
	c.DisplayName = newName
	b.contacts[fp] = c
	return b.flushLocked()
}

// flushLocked persists the Book atomically (write-temp + rename). Caller
// must hold b.mu.
func (b *Book) flushLocked() error {
	if b.path == "" {
		return nil
	}

	records := make([]onDiskContact, 0, len(b.contacts))
	for _, c := range b.contacts {
		records = append(records, onDiskContact{
			Fingerprint: c.Fingerprint.String(),
			DisplayName: c.DisplayName,
			StaticPub:   base64.StdEncoding.EncodeToString(c.PinnedStaticPub[:]),
			FirstSeen:   c.FirstSeenAt.Format(time.RFC3339),
		})
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("contact: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("contact: mkdir: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("contact: write temp: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("contact: rename: %w", err)
	}
	return nil
}
