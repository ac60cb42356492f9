package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// SchemaVersion is the chain index layout this binary writes.
const SchemaVersion int64 = 1

var (
	keyVersion = []byte("meta:version")
	keyNextID  = []byte("meta:next_id")

	prefixRow    = []byte("chain:row:")
	prefixSlot   = []byte("chain:slot:")
	prefixActive = []byte("chain:active:")
	prefixHash   = []byte("chain:hash:")
)

var (
	ErrNotFound     = errors.New("chainindex: not found")
	ErrNewerVersion = errors.New("chainindex: store written by a newer version")
)

// StorageError reports a failed open, migration or transaction. It is fatal to
// the sync loop.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chainindex: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func openBadger(path string, logger zerolog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger})
	return badger.Open(opts)
}

type migration struct {
	version int64
	apply   func(txn *badger.Txn) error
}

// migrations run in order for every version above the stored one.
var migrations = []migration{
	{version: 1, apply: createChainTable},
}

// createChainTable sets up the row id counter. Rows and their slot, active and
// hash indexes live under the chain: prefixes.
func createChainTable(txn *badger.Txn) error {
	if _, err := txn.Get(keyNextID); err == nil {
		return nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(keyNextID, encodeUint64(1))
}

// readVersion returns the stored schema version, or -1 for a fresh store.
func readVersion(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(keyVersion)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	var version int64
	err = item.Value(func(val []byte) error {
		v, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return fmt.Errorf("bad stored version %q: %w", val, err)
		}
		version = v
		return nil
	})
	return version, err
}

func migrate(db *badger.DB, logger zerolog.Logger) error {
	var version int64
	if err := db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn)
		version = v
		return err
	}); err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: stored %d, supported %d", ErrNewerVersion, version, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		err := db.Update(func(txn *badger.Txn) error {
			if err := m.apply(txn); err != nil {
				return err
			}
			return txn.Set(keyVersion, []byte(strconv.FormatInt(m.version, 10)))
		})
		if err != nil {
			return fmt.Errorf("migrate to version %d: %w", m.version, err)
		}
		logger.Info().Int64("from", version).Int64("to", m.version).Msg("chain index migrated")
		version = m.version
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func rowKey(id uint64) []byte {
	key := make([]byte, 0, len(prefixRow)+8)
	key = append(key, prefixRow...)
	return binary.BigEndian.AppendUint64(key, id)
}

// slotKey builds a slot-ordered index key. Big-endian keeps byte order equal
// to numeric order.
func slotKey(prefix []byte, slot, id uint64) []byte {
	key := make([]byte, 0, len(prefix)+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, slot)
	return binary.BigEndian.AppendUint64(key, id)
}

func parseSlotKey(prefix, key []byte) (slot, id uint64, err error) {
	if len(key) != len(prefix)+16 {
		return 0, 0, fmt.Errorf("malformed index key %q", key)
	}
	rest := key[len(prefix):]
	return binary.BigEndian.Uint64(rest[:8]), binary.BigEndian.Uint64(rest[8:]), nil
}

func hashKey(hash []byte, id uint64) []byte {
	key := make([]byte, 0, len(prefixHash)+len(hash)+8)
	key = append(key, prefixHash...)
	key = append(key, hash...)
	return binary.BigEndian.AppendUint64(key, id)
}

// prefixEnd returns a seek key sorting after every slot index key under prefix.
func prefixEnd(prefix []byte) []byte {
	key := make([]byte, 0, len(prefix)+17)
	key = append(key, prefix...)
	for i := 0; i < 17; i++ {
		key = append(key, 0xff)
	}
	return key
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
