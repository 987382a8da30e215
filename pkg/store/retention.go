package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"relayd/pkg/logger"
)

// PruneBefore removes messages accepted before the cutoff (UnixNano),
// together with their token index entries, in batches of at most
// batchSize deletions. It returns the number of messages removed.
//
// Sequence numbers are never reused: pruning only drops the oldest tail
// of the log, so surviving messages keep their order and a reconnecting
// client with an offset inside the pruned range simply replays from the
// oldest retained message.
//
// Token index entries are pruned together with their messages, so the
// idempotency horizon equals the retention period: a retry arriving
// later than that is accepted as a new message.
func (l *Log) PruneBefore(cutoff int64, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 256
	}
	removed := 0
	for {
		n, done, err := l.pruneBatch(cutoff, batchSize)
		removed += n
		if err != nil {
			return removed, err
		}
		if done {
			if removed > 0 {
				logger.Info("messages_pruned", "removed", removed, "cutoff", cutoff)
			}
			return removed, nil
		}
	}
}

func (l *Log) pruneBatch(cutoff int64, batchSize int) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return 0, true, ErrUnavailable
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte(msgPrefix + "~"),
	})
	if err != nil {
		return 0, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()
	n := 0
	done := true
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(msgPrefix)) {
			break
		}
		var m struct {
			Token      string `json:"token"`
			AcceptedAt int64  `json:"accepted_at"`
		}
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return n, true, fmt.Errorf("%w: corrupt message at %s: %v", ErrUnavailable, iter.Key(), err)
		}
		// messages are stored in acceptance order; the first retained
		// message ends the scan
		if m.AcceptedAt >= cutoff {
			break
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return n, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if m.Token != "" {
			if err := b.Delete([]byte(tokPrefix+m.Token), nil); err != nil {
				return n, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		n++
		if n >= batchSize {
			done = false
			break
		}
	}
	if err := iter.Error(); err != nil {
		return n, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return 0, true, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, true, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return n, done, nil
}
