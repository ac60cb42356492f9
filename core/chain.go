package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"epochsync/core/config"
	"epochsync/core/header"
	"epochsync/core/nonce"
	"epochsync/core/storage"
	"epochsync/observability"
)

// rollbackChunk bounds the rows orphaned per rollback transaction.
const rollbackChunk = 1000

var _ storage.Reader = (*ChainIndex)(nil)

// ChainIndex is the persistent header index. Headers are buffered in memory
// and committed in batches; each committed row carries the running epoch nonce.
//
// A ChainIndex has a single owner and no internal locking.
type ChainIndex struct {
	db      *badger.DB
	network config.Network

	batchSize     int
	flushInterval time.Duration
	log           zerolog.Logger
	now           func() time.Time

	pending   []*header.Header
	lastFlush time.Time
}

// Option configures a ChainIndex.
type Option func(*ChainIndex)

// WithBatchSize sets the pending header count that triggers a flush.
func WithBatchSize(n int) Option {
	return func(c *ChainIndex) { c.batchSize = n }
}

// WithFlushInterval sets the age after which the next Append flushes.
func WithFlushInterval(d time.Duration) Option {
	return func(c *ChainIndex) { c.flushInterval = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *ChainIndex) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *ChainIndex) { c.now = now }
}

// Open opens or creates the chain index at path and brings its schema up to
// date.
func Open(path string, network config.Network, opts ...Option) (*ChainIndex, error) {
	c := &ChainIndex{
		network:       network,
		batchSize:     config.DefaultBatchSize,
		flushInterval: config.DefaultFlushInterval,
		log:           zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize < 1 {
		c.batchSize = 1
	}

	db, err := openBadger(path, c.log)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := migrate(db, c.log); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	c.db = db
	c.lastFlush = c.now()
	return c, nil
}

// Close flushes pending headers and closes the database.
func (c *ChainIndex) Close() error {
	flushErr := c.Flush()
	return errors.Join(flushErr, c.db.Close())
}

// Version returns the stored schema version.
func (c *ChainIndex) Version() (int64, error) {
	var version int64
	err := c.db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn)
		version = v
		return err
	})
	if err != nil {
		return 0, &StorageError{Op: "version", Err: err}
	}
	return version, nil
}

// Pending returns the number of headers waiting for the next flush.
func (c *ChainIndex) Pending() int {
	return len(c.pending)
}

// Append queues h and flushes once the batch is full or the flush interval has
// passed since the last flush.
func (c *ChainIndex) Append(h *header.Header) error {
	c.pending = append(c.pending, h)
	if len(c.pending) >= c.batchSize || c.now().Sub(c.lastFlush) > c.flushInterval {
		return c.Flush()
	}
	return nil
}

// Flush commits every pending header in one transaction. Each header first
// orphans active rows at or above its slot, then chains its nonce from the
// newest remaining row. On error nothing is committed and the batch is kept.
func (c *ChainIndex) Flush() error {
	if len(c.pending) == 0 {
		c.lastFlush = c.now()
		return nil
	}

	start := time.Now()
	etaVs := make([][nonce.Size]byte, len(c.pending))
	err := c.db.Update(func(txn *badger.Txn) error {
		nextID, err := readNextID(txn)
		if err != nil {
			return err
		}
		for i, h := range c.pending {
			if _, err := orphanFrom(txn, h.SlotNumber, 0); err != nil {
				return err
			}
			prev, err := latestEtaV(txn, c.network.GenesisNonce, nil)
			if err != nil {
				return err
			}
			row := &Row{ID: nextID, Header: *h}
			row.EtaV = nonce.Next(prev, h.EtaVRF0)
			if err := putRow(txn, row); err != nil {
				return fmt.Errorf("insert slot %d: %w", h.SlotNumber, err)
			}
			etaVs[i] = row.EtaV
			nextID++
		}
		return txn.Set(keyNextID, encodeUint64(nextID))
	})
	if err != nil {
		c.log.Error().Err(err).Int("pending", len(c.pending)).Msg("flush failed")
		return &StorageError{Op: "flush", Err: err}
	}

	for i, h := range c.pending {
		h.EtaV = etaVs[i]
	}
	tip := c.pending[len(c.pending)-1]
	c.log.Debug().
		Int("headers", len(c.pending)).
		Uint64("tip_slot", tip.SlotNumber).
		Hex("eta_v", tip.EtaV[:]).
		Msg("flushed headers")
	observability.RecordFlush(tip.SlotNumber, time.Since(start))

	c.pending = nil
	c.lastFlush = c.now()
	return nil
}

// Rollback discards pending headers at or after slot and orphans every stored
// row at or after slot, newest first, in bounded transactions.
func (c *ChainIndex) Rollback(slot uint64) error {
	kept := make([]*header.Header, 0, len(c.pending))
	for _, h := range c.pending {
		if h.SlotNumber < slot {
			kept = append(kept, h)
		}
	}
	dropped := len(c.pending) - len(kept)
	c.pending = kept

	orphaned := 0
	for {
		var n int
		err := c.db.Update(func(txn *badger.Txn) error {
			var err error
			n, err = orphanFrom(txn, slot, rollbackChunk)
			return err
		})
		if err != nil {
			return &StorageError{Op: "rollback", Err: err}
		}
		orphaned += n
		if n < rollbackChunk {
			break
		}
	}

	c.log.Info().
		Uint64("slot", slot).
		Int("orphaned", orphaned).
		Int("dropped_pending", dropped).
		Msg("rolled back")
	observability.RecordRollback(slot)
	return nil
}

// RecentPoints returns the points of up to limit non-orphaned rows, newest
// first.
func (c *ChainIndex) RecentPoints(limit int) ([]header.Point, error) {
	var points []header.Point
	err := c.db.View(func(txn *badger.Txn) error {
		rows, err := activeRows(txn, nil, limit)
		if err != nil {
			return err
		}
		points = make([]header.Point, 0, len(rows))
		for _, r := range rows {
			points = append(points, r.Point())
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "recent points", Err: err}
	}
	return points, nil
}

// Tip returns the newest non-orphaned row, or ErrNotFound.
func (c *ChainIndex) Tip() (*Row, error) {
	var tip *Row
	err := c.db.View(func(txn *badger.Txn) error {
		rows, err := activeRows(txn, nil, 1)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		tip = rows[0]
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &StorageError{Op: "tip", Err: err}
	}
	return tip, nil
}

// TipHeader returns the header of the newest non-orphaned row.
func (c *ChainIndex) TipHeader() (*header.Header, error) {
	tip, err := c.Tip()
	if err != nil {
		return nil, err
	}
	return &tip.Header, nil
}

// EtaVBefore returns the nonce as of the last non-orphaned row strictly before
// slot, or the genesis nonce when there is none.
func (c *ChainIndex) EtaVBefore(slot uint64) ([nonce.Size]byte, error) {
	var etaV [nonce.Size]byte
	err := c.db.View(func(txn *badger.Txn) error {
		v, err := latestEtaV(txn, c.network.GenesisNonce, &slot)
		etaV = v
		return err
	})
	if err != nil {
		return etaV, &StorageError{Op: "eta_v", Err: err}
	}
	return etaV, nil
}

// RowsAtSlot returns every row stored for slot, orphaned or not, by id.
func (c *ChainIndex) RowsAtSlot(slot uint64) ([]*Row, error) {
	prefix := append(append([]byte{}, prefixSlot...), encodeUint64(slot)...)
	var rows []*Row
	err := c.db.View(func(txn *badger.Txn) error {
		ids, err := scanIDs(txn, prefix, func(key []byte) (uint64, error) {
			_, id, err := parseSlotKey(prefixSlot, key)
			return id, err
		})
		if err != nil {
			return err
		}
		rows, err = getRows(txn, ids)
		return err
	})
	if err != nil {
		return nil, &StorageError{Op: "rows at slot", Err: err}
	}
	return rows, nil
}

// Validity is the standing of a block hash in the index.
type Validity string

const (
	Valid    Validity = "valid"
	Orphaned Validity = "orphaned"
	Missing  Validity = "missing"
)

// Validate reports whether hash is on the active chain, was orphaned by a
// rollback, or was never seen.
func (c *ChainIndex) Validate(hash []byte) (Validity, error) {
	prefix := append(append([]byte{}, prefixHash...), hash...)
	result := Missing
	err := c.db.View(func(txn *badger.Txn) error {
		ids, err := scanIDs(txn, prefix, func(key []byte) (uint64, error) {
			if len(key) != len(prefix)+8 {
				return 0, errSkip
			}
			return decodeUint64(key[len(prefix):]), nil
		})
		if err != nil {
			return err
		}
		rows, err := getRows(txn, ids)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if !r.Orphaned {
				result = Valid
				return nil
			}
			result = Orphaned
		}
		return nil
	})
	if err != nil {
		return Missing, &StorageError{Op: "validate", Err: err}
	}
	return result, nil
}

// Counts summarizes the stored rows.
type Counts struct {
	Total    int
	Orphaned int
}

func (c *ChainIndex) Counts() (Counts, error) {
	var counts Counts
	err := c.db.View(func(txn *badger.Txn) error {
		total, err := countPrefix(txn, prefixSlot)
		if err != nil {
			return err
		}
		active, err := countPrefix(txn, prefixActive)
		if err != nil {
			return err
		}
		counts = Counts{Total: total, Orphaned: total - active}
		return nil
	})
	if err != nil {
		return Counts{}, &StorageError{Op: "counts", Err: err}
	}
	return counts, nil
}

// WalkActive calls fn for every non-orphaned row in slot order, oldest
// first, inside one read transaction. An error from fn stops the walk and is
// returned as is.
func (c *ChainIndex) WalkActive(fn func(*Row) error) error {
	var fnErr error
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixActive
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixActive); it.ValidForPrefix(prefixActive); it.Next() {
			_, id, err := parseSlotKey(prefixActive, it.Item().Key())
			if err != nil {
				return err
			}
			row, err := getRow(txn, id)
			if err != nil {
				return err
			}
			if fnErr = fn(row); fnErr != nil {
				return fnErr
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return &StorageError{Op: "walk", Err: err}
	}
	return nil
}

var errSkip = errors.New("skip key")

func readNextID(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(keyNextID)
	if err != nil {
		return 0, fmt.Errorf("read next id: %w", err)
	}
	var id uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("next id is %d bytes", len(val))
		}
		id = decodeUint64(val)
		return nil
	})
	return id, err
}

func getRow(txn *badger.Txn, id uint64) (*Row, error) {
	item, err := txn.Get(rowKey(id))
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", id, err)
	}
	var row *Row
	err = item.Value(func(val []byte) error {
		r, err := DecodeRow(val)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	return row, err
}

func getRows(txn *badger.Txn, ids []uint64) ([]*Row, error) {
	rows := make([]*Row, 0, len(ids))
	for _, id := range ids {
		r, err := getRow(txn, id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// putRow writes the row and its index keys. The active key exists only while
// the row is not orphaned.
func putRow(txn *badger.Txn, row *Row) error {
	val, err := row.Encode()
	if err != nil {
		return err
	}
	if err := txn.Set(rowKey(row.ID), val); err != nil {
		return err
	}
	if err := txn.Set(slotKey(prefixSlot, row.SlotNumber, row.ID), nil); err != nil {
		return err
	}
	if err := txn.Set(hashKey(row.Hash, row.ID), nil); err != nil {
		return err
	}
	active := slotKey(prefixActive, row.SlotNumber, row.ID)
	if row.Orphaned {
		return txn.Delete(active)
	}
	return txn.Set(active, nil)
}

// activeKeys lists active index keys newest first. With before set, only
// slots strictly below it are returned. limit <= 0 means no limit.
func activeKeys(txn *badger.Txn, before *uint64, limit int) ([][]byte, error) {
	seek := prefixEnd(prefixActive)
	if before != nil {
		if *before == 0 {
			return nil, nil
		}
		// Row ids start at 1, so (before, 0) sorts above every lower slot.
		seek = slotKey(prefixActive, *before, 0)
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefixActive
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(seek); it.ValidForPrefix(prefixActive); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys, nil
}

func activeRows(txn *badger.Txn, before *uint64, limit int) ([]*Row, error) {
	keys, err := activeKeys(txn, before, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(keys))
	for _, key := range keys {
		_, id, err := parseSlotKey(prefixActive, key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return getRows(txn, ids)
}

// latestEtaV returns the nonce of the newest active row, optionally strictly
// before a slot, falling back to genesis.
func latestEtaV(txn *badger.Txn, genesis [nonce.Size]byte, before *uint64) ([nonce.Size]byte, error) {
	rows, err := activeRows(txn, before, 1)
	if err != nil {
		return genesis, err
	}
	if len(rows) == 0 {
		return genesis, nil
	}
	return rows[0].EtaV, nil
}

// orphanFrom marks up to limit active rows with slot >= slot as orphaned,
// highest slot first, and returns how many it marked. limit <= 0 means all.
func orphanFrom(txn *badger.Txn, slot uint64, limit int) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefixActive
	it := txn.NewIterator(opts)

	var ids []uint64
	for it.Seek(prefixEnd(prefixActive)); it.ValidForPrefix(prefixActive); it.Next() {
		s, id, err := parseSlotKey(prefixActive, it.Item().Key())
		if err != nil {
			it.Close()
			return 0, err
		}
		if s < slot {
			break
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	it.Close()

	for _, id := range ids {
		row, err := getRow(txn, id)
		if err != nil {
			return 0, err
		}
		row.Orphaned = true
		if err := putRow(txn, row); err != nil {
			return 0, fmt.Errorf("orphan row %d: %w", id, err)
		}
	}
	return len(ids), nil
}

func scanIDs(txn *badger.Txn, prefix []byte, parse func(key []byte) (uint64, error)) ([]uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []uint64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id, err := parse(it.Item().Key())
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	ids, err := scanIDs(txn, prefix, func([]byte) (uint64, error) { return 0, nil })
	return len(ids), err
}
