package router

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// BadgerLog stores channel logs in an in-memory badger instance. Nothing is
// written to disk, so history does not survive a restart.
type BadgerLog struct {
	db   *badger.DB
	mu   sync.Mutex
	seqs map[string]uint64
}

// badgerLogger routes badger's internal logging through zap. Badger's info
// chatter is demoted to debug.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func NewBadgerLog(log *zap.Logger) (*BadgerLog, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{log: log.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerLog{db: db, seqs: make(map[string]uint64)}, nil
}

// channelPrefix length-prefixes the tag so that no channel's key range can
// overlap another's.
func channelPrefix(channel string) []byte {
	return []byte(fmt.Sprintf("msg:%d:%s:", len(channel), channel))
}

// entryKey pads the sequence to 19 digits so that lexicographic key order
// equals append order.
func entryKey(channel string, seq uint64) []byte {
	return append(channelPrefix(channel), []byte(fmt.Sprintf("%019d", seq))...)
}

func (l *BadgerLog) Append(msg protocol.ChatMessage) (uint64, error) {
	value, err := protocol.Encode(protocol.Envelope{ID: msg.MessageID, Payload: msg})
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seqs[msg.Channel] + 1
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(msg.Channel, seq), value)
	})
	if err != nil {
		return 0, err
	}
	l.seqs[msg.Channel] = seq
	return seq, nil
}

// List walks the channel backwards from its newest key and returns the
// collected entries oldest first.
func (l *BadgerLog) List(channel string, limit int) ([]Entry, error) {
	prefix := channelPrefix(channel)
	var entries []Entry

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), []byte("9999999999999999999")...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) == limit {
				break
			}
			item := it.Item()
			seq, err := strconv.ParseUint(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt key %q: %w", item.Key(), err)
			}
			err = item.Value(func(value []byte) error {
				env, err := protocol.Decode(value)
				if err != nil {
					return err
				}
				msg, ok := env.Payload.(protocol.ChatMessage)
				if !ok {
					return fmt.Errorf("key %q holds %s payload", item.Key(), env.Type())
				}
				entries = append(entries, Entry{Sequence: seq, Message: msg})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (l *BadgerLog) Len(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.seqs[channel])
}

func (l *BadgerLog) Close() error {
	return l.db.Close()
}
