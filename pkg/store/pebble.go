package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"relayd/pkg/logger"
	"relayd/pkg/models"
)

var (
	// ErrDuplicate is returned by Append when the idempotency token is
	// already present. The message was accepted by an earlier call; the
	// caller should treat this as success without a new sequence.
	ErrDuplicate = errors.New("duplicate idempotency token")
	// ErrUnavailable wraps storage I/O failures and use of a closed log.
	ErrUnavailable = errors.New("storage unavailable")
)

// Key layout:
//   msg:<seq padded to 20 digits> -> JSON models.Message
//   tok:<token>                   -> 8-byte big-endian sequence
const (
	msgPrefix = "msg:"
	tokPrefix = "tok:"
)

// Log is an append-only durable message log. One Log owns one pebble
// directory; Append calls are serialized to assign a single gapless
// sequence order.
type Log struct {
	mu   sync.Mutex
	db   *pebble.DB
	path string
	seq  uint64
}

// Open opens (or creates) the log at the given path and resumes the
// sequence counter from the highest stored message key.
func Open(path string) (*Log, error) {
	logger.Info("opening_message_log", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("message_log_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if err := checkFormat(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	l := &Log{db: db, path: path}
	if err := l.resumeSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("message_log_opened", "path", path, "last_seq", l.seq)
	return l, nil
}

// resumeSeq scans the last msg: key to restore the counter after restart.
func (l *Log) resumeSeq() error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte(msgPrefix + "~"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()
	if iter.Last() && bytes.HasPrefix(iter.Key(), []byte(msgPrefix)) {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return fmt.Errorf("%w: corrupt tail message: %v", ErrUnavailable, err)
		}
		l.seq = m.Sequence
	}
	return iter.Error()
}

// Close closes the underlying pebble DB. Further calls fail with
// ErrUnavailable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	logger.Info("message_log_closed", "path", l.path)
	return err
}

// Ready reports whether the log is open.
func (l *Log) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db != nil
}

func msgKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", msgPrefix, seq))
}

// Append assigns the next sequence and persists the message atomically
// with a synced write, so success implies the message survives a crash.
// A non-empty token that is already stored fails with ErrDuplicate; the
// returned message then carries the original sequence.
func (l *Log) Append(token, content string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return models.Message{}, ErrUnavailable
	}

	if token != "" {
		v, closer, err := l.db.Get([]byte(tokPrefix + token))
		switch {
		case err == nil:
			orig := binary.BigEndian.Uint64(v)
			_ = closer.Close()
			return models.Message{Sequence: orig, Token: token}, ErrDuplicate
		case !errors.Is(err, pebble.ErrNotFound):
			return models.Message{}, fmt.Errorf("%w: token lookup: %v", ErrUnavailable, err)
		}
	}

	m := models.Message{
		Sequence:   l.seq + 1,
		Token:      token,
		Content:    content,
		AcceptedAt: time.Now().UTC().UnixNano(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: marshal: %v", ErrUnavailable, err)
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(m.Sequence), data, nil); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if token != "" {
		var sv [8]byte
		binary.BigEndian.PutUint64(sv[:], m.Sequence)
		if err := b.Set([]byte(tokPrefix+token), sv[:], nil); err != nil {
			return models.Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("append_commit_failed", "seq", m.Sequence, "error", err)
		return models.Message{}, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	l.seq = m.Sequence
	return m, nil
}

// ReadFrom returns all messages with sequence > seqExclusive in ascending
// order. The scan is bounded by the log contents at call time; messages
// appended while scanning are not required to appear.
func (l *Log) ReadFrom(seqExclusive uint64) ([]models.Message, error) {
	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	if db == nil {
		return nil, ErrUnavailable
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: msgKey(seqExclusive + 1),
		UpperBound: []byte(msgPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(msgPrefix)) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("%w: corrupt message at %s: %v", ErrUnavailable, iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// LastSeq returns the highest assigned sequence, zero when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// LogStats summarizes the log contents for the admin surface.
type LogStats struct {
	Messages int    `json:"messages"`
	LastSeq  uint64 `json:"last_seq"`
}

// Stats counts retained messages with a prefix scan. Retention can make
// this smaller than LastSeq.
func (l *Log) Stats() (LogStats, error) {
	l.mu.Lock()
	db := l.db
	seq := l.seq
	l.mu.Unlock()
	if db == nil {
		return LogStats{}, ErrUnavailable
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte(msgPrefix + "~"),
	})
	if err != nil {
		return LogStats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	st := LogStats{LastSeq: seq}
	for iter.First(); iter.Valid(); iter.Next() {
		st.Messages++
	}
	if err := iter.Error(); err != nil {
		return LogStats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return st, nil
}
