// Package queue implements the Message Queue: a durable per-recipient FIFO
// of plaintexts awaiting an established session, persisted atomically.
package queue

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

// QueuedMessage is one pending outbound plaintext.
type QueuedMessage struct {
	RecipientFingerprint fingerprint.Fingerprint
	StreamID             uint16
	Plaintext            []byte
	EnqueuedAt           time.Time
}

type onDiskMessage struct {
	RecipientFP string `json:"recipient_fp"`
	StreamID    uint16 `json:"stream_id"`
	Plaintext   string `json:"plaintext_base64"`
	EnqueuedAt  string `json:"enqueued_iso8601"`
}

// Queue is the durable per-recipient FIFO. It is safe for concurrent use,
// though the spec's concurrency model routes all mutation through the
// single Session task.
type Queue struct {
	mu      sync.Mutex
	byRecip map[fingerprint.Fingerprint][]QueuedMessage
	path    string
	clock   clock.Provider
	log     *logrus.Entry
}

// Load reads a Queue from path, starting empty if the file does not exist.
// No delivery attempt is made on load; the caller drains once a session
// reaches Established.
func Load(path string, clk clock.Provider) (*Queue, error) {
	q := &Queue{
		byRecip: make(map[fingerprint.Fingerprint][]QueuedMessage),
		path:    path,
		clock:   clk,
		log:     logrus.WithField("component", "queue"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("queue: read %s: %w", path, err)
	}

	var records []onDiskMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("queue: parse %s: %w", path, err)
	}

	for _, rec := range records {
		fp, err := fingerprint.Parse(rec.RecipientFP)
		if err != nil {
			q.log.WithError(err).Warn("skipping malformed queued message")
			continue
		}
		plaintext, err := base64.StdEncoding.DecodeString(rec.Plaintext)
		if err != nil {
			q.log.WithField("fingerprint", fp.Short()).Warn("skipping queued message with malformed payload")
			continue
		}
		enqueuedAt, err := time.Parse(time.RFC3339, rec.EnqueuedAt)
		if err != nil {
			enqueuedAt = clk.Now()
		}
		q.byRecip[fp] = append(q.byRecip[fp], QueuedMessage{
			RecipientFingerprint: fp,
			StreamID:             rec.StreamID,
			Plaintext:            plaintext,
			EnqueuedAt:           enqueuedAt,
		})
	}

	return q, nil
}

// Enqueue appends a message to recipientFP's FIFO and persists.
func (q *Queue) Enqueue(recipientFP fingerprint.Fingerprint, streamID uint16, plaintext []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := QueuedMessage{
		RecipientFingerprint: recipientFP,
		StreamID:             streamID,
		Plaintext:            append([]byte(nil), plaintext...),
		EnqueuedAt:           q.clock.Now(),
	}
	q.byRecip[recipientFP] = append(q.byRecip[recipientFP], msg)
	return q.flushLocked()
}

// Count returns the number of pending messages for recipientFP.
func (q *Queue) Count(recipientFP fingerprint.Fingerprint) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byRecip[recipientFP])
}

// Drain removes and returns all pending messages for recipientFP, in FIFO
// order, and persists the emptied queue. Callers that fail to deliver a
// drained message should call Requeue to put it back at the head rather
// than re-Enqueue it at the tail.
func (q *Queue) Drain(recipientFP fingerprint.Fingerprint) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.byRecip[recipientFP]
	delete(q.byRecip, recipientFP)
	if err := q.flushLocked(); err != nil {
		q.byRecip[recipientFP] = msgs
		return nil, err
	}
	return msgs, nil
}

// Requeue re-enqueues msg at the head of its recipient's FIFO. Used when a
// drain aborts mid-delivery: the failing message and everything after it
// must be restored in original order.
func (q *Queue) Requeue(msgs []QueuedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	fp := msgs[0].RecipientFingerprint
	q.byRecip[fp] = append(append([]QueuedMessage(nil), msgs...), q.byRecip[fp]...)
	return q.flushLocked()
}

// flushLocked persists the Queue atomically (write-temp + rename). Caller
// must hold q.mu.
func (q *Queue) flushLocked() error {
	if q.path == "" {
		return nil
	}

	var records []onDiskMessage
	for _, msgs := range q.byRecip {
		for _, m := range msgs {
			records = append(records, onDiskMessage{
				RecipientFP: m.RecipientFingerprint.String(),
				StreamID:    m.StreamID,
				Plaintext:   base64.StdEncoding.EncodeToString(m.Plaintext),
				EnqueuedAt:  m.EnqueuedAt.Format(time.RFC3339),
			})
		}
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o700); err != nil {
		return fmt.Errorf("queue: mkdir: %w", err)
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("queue: rename: %w", err)
	}
	return nil
}
