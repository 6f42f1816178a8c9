// Package queue implements the durable dispatch queue between
// submission ingestion and the pipeline worker.
//
// Each message is stored as a separate JSON file in a directory.
// This provides simplicity, durability, and no external broker
// dependency: a message survives process restarts and is never lost
// between the accepted-submission response and pipeline execution.
//
// File naming convention: {timestamp}_{id}.json, which gives natural
// oldest-first ordering when listing files.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigiasec/scanpipe/pkg/errors"
)

// Envelope is the queue message contract: the scan_id plus the
// optional structured payload carried for form submissions.
type Envelope struct {
	ScanID string          `json:"scan_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// MessageStatus represents the delivery state of a queued message.
type MessageStatus string

const (
	// StatusPending - waiting for a consumer.
	StatusPending MessageStatus = "pending"

	// StatusProcessing - claimed by a consumer, not yet acked.
	StatusProcessing MessageStatus = "processing"

	// StatusFailed - delivery attempts exhausted.
	StatusFailed MessageStatus = "failed"
)

// Message is one durable queue entry.
type Message struct {
	ID       string   `json:"id"`
	Envelope Envelope `json:"envelope"`

	Status        MessageStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	ClaimedAt     time.Time     `json:"claimed_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Config configures the file queue.
type Config struct {
	// Dir is the directory holding message files.
	Dir string

	// MaxAttempts is the delivery attempt budget before a message is
	// marked failed. Default: 5.
	MaxAttempts int

	// BaseDelay is the base redelivery backoff; doubled per attempt.
	// Default: 30s.
	BaseDelay time.Duration

	// MaxDelay caps the redelivery backoff. Default: 10m.
	MaxDelay time.Duration

	// VisibilityTimeout is how long a claimed message stays invisible
	// before it is assumed abandoned and reclaimed. Default: 15m.
	VisibilityTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 15 * time.Minute
	}
}

// FileQueue is the file-backed queue. All state transitions rewrite
// the message file atomically, so a crash never leaves a torn entry.
type FileQueue struct {
	dir string
	cfg Config

	mu sync.Mutex
}

// NewFileQueue creates a queue rooted at cfg.Dir.
func NewFileQueue(cfg Config) (*FileQueue, error) {
	cfg.defaults()
	if cfg.Dir == "" {
		return nil, errors.E(errors.KindValidation, "queue.NewFileQueue", "queue directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.E(errors.KindInternal, "queue.NewFileQueue", "create queue directory", err)
	}
	return &FileQueue{dir: cfg.Dir, cfg: cfg}, nil
}

// Publish appends an envelope to the queue and returns the message ID.
func (q *FileQueue) Publish(ctx context.Context, env Envelope) (string, error) {
	if env.ScanID == "" {
		return "", errors.E(errors.KindValidation, "queue.Publish", "envelope missing scan_id")
	}
	if err := ctx.Err(); err != nil {
		return "", errors.E(errors.KindDispatch, "queue.Publish", "context cancelled", err)
	}

	now := time.Now().UTC()
	msg := Message{
		ID:            uuid.New().String(),
		Envelope:      env,
		Status:        StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.writeMessage(&msg); err != nil {
		return "", errors.E(errors.KindDispatch, "queue.Publish", "persist message", err)
	}
	return msg.ID, nil
}

// Receive claims the oldest deliverable message: a pending message
// whose backoff has elapsed, or a processing message whose claim
// outlived the visibility timeout. Returns nil when nothing is due.
func (q *FileQueue) Receive(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listFiles()
	if err != nil {
		return nil, errors.E(errors.KindInternal, "queue.Receive", "list queue", err)
	}

	now := time.Now().UTC()
	for _, file := range files {
		msg, err := q.readFile(file)
		if err != nil {
			continue // skip corrupted files
		}

		deliverable := false
		switch msg.Status {
		case StatusPending:
			deliverable = !msg.NextAttemptAt.After(now)
		case StatusProcessing:
			deliverable = now.Sub(msg.ClaimedAt) > q.cfg.VisibilityTimeout
		}
		if !deliverable {
			continue
		}

		msg.Status = StatusProcessing
		msg.Attempts++
		msg.ClaimedAt = now
		if err := q.writeMessage(msg); err != nil {
			return nil, errors.E(errors.KindInternal, "queue.Receive", "claim message", err)
		}
		return msg, nil
	}
	return nil, nil
}

// Ack removes a delivered message from the queue.
func (q *FileQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.findFile(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return errors.E(errors.KindInternal, "queue.Ack", "remove message", err)
	}
	return nil
}

// Nack returns a message to the queue after a processing failure. The
// message becomes pending again with exponential backoff, or failed
// once the attempt budget is exhausted.
func (q *FileQueue) Nack(id string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.findFile(id)
	if err != nil {
		return err
	}
	msg, err := q.readFile(path)
	if err != nil {
		return errors.E(errors.KindInternal, "queue.Nack", "read message", err)
	}

	msg.LastError = cause
	msg.ClaimedAt = time.Time{}
	if msg.Attempts >= q.cfg.MaxAttempts {
		msg.Status = StatusFailed
	} else {
		msg.Status = StatusPending
		msg.NextAttemptAt = time.Now().UTC().Add(q.backoff(msg.Attempts))
	}
	if err := q.writeMessage(msg); err != nil {
		return errors.E(errors.KindInternal, "queue.Nack", "persist message", err)
	}
	return nil
}

// Requeue resets a failed message for fresh delivery. Used by the
// operator re-dispatch path.
func (q *FileQueue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.findFile(id)
	if err != nil {
		return err
	}
	msg, err := q.readFile(path)
	if err != nil {
		return errors.E(errors.KindInternal, "queue.Requeue", "read message", err)
	}
	msg.Status = StatusPending
	msg.Attempts = 0
	msg.LastError = ""
	msg.ClaimedAt = time.Time{}
	msg.NextAttemptAt = time.Now().UTC()
	if err := q.writeMessage(msg); err != nil {
		return errors.E(errors.KindInternal, "queue.Requeue", "persist message", err)
	}
	return nil
}

// ListFailed returns the messages that exhausted their attempt budget,
// oldest first.
func (q *FileQueue) ListFailed() ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listFiles()
	if err != nil {
		return nil, errors.E(errors.KindInternal, "queue.ListFailed", "list queue", err)
	}
	var out []Message
	for _, file := range files {
		msg, err := q.readFile(file)
		if err != nil {
			continue
		}
		if msg.Status == StatusFailed {
			out = append(out, *msg)
		}
	}
	return out, nil
}

// Len returns the number of messages currently in the queue, in any
// state.
func (q *FileQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listFiles()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// =============================================================================
// Internals
// =============================================================================

func (q *FileQueue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

func (q *FileQueue) filename(msg *Message) string {
	return fmt.Sprintf("%d_%s.json", msg.EnqueuedAt.UnixNano(), msg.ID)
}

func (q *FileQueue) writeMessage(msg *Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(q.dir, q.filename(msg))
	tmp, err := os.CreateTemp(q.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (q *FileQueue) listFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(q.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (q *FileQueue) findFile(id string) (string, error) {
	files, err := q.listFiles()
	if err != nil {
		return "", errors.E(errors.KindInternal, "queue.findFile", "list queue", err)
	}
	suffix := "_" + id + ".json"
	for _, file := range files {
		if strings.HasSuffix(file, suffix) {
			return file, nil
		}
	}
	return "", errors.E(errors.KindNotFound, "queue.findFile",
		fmt.Sprintf("no queued message with id %s", id))
}

func (q *FileQueue) readFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
