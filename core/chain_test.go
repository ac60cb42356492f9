package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"epochsync/core/config"
	"epochsync/core/header"
	"epochsync/core/nonce"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func mainnet(t *testing.T) config.Network {
	t.Helper()
	n, err := config.NetworkByMagic(config.MainnetMagic)
	require.NoError(t, err)
	return n
}

func openIndex(t *testing.T, opts ...Option) *ChainIndex {
	t.Helper()
	return openIndexAt(t, t.TempDir(), opts...)
}

func openIndexAt(t *testing.T, dir string, opts ...Option) *ChainIndex {
	t.Helper()
	c, err := Open(dir, mainnet(t), opts...)
	require.NoError(t, err)
	return c
}

// testHeader builds a header whose hash is unique per (slot, tag).
func testHeader(slot uint64, tag byte) *header.Header {
	seed := binary.BigEndian.AppendUint64(nil, slot)
	seed = append(seed, tag)
	return &header.Header{
		BlockNumber:          slot / 20,
		SlotNumber:           slot,
		Hash:                 header.HashBytes(seed),
		PrevHash:             bytes.Repeat([]byte{0xaa}, 32),
		NodeVKey:             bytes.Repeat([]byte{0x01}, 32),
		NodeVRFVKey:          bytes.Repeat([]byte{0x02}, 32),
		EtaVRF0:              bytes.Repeat([]byte{tag ^ byte(slot)}, 64),
		EtaVRF1:              bytes.Repeat([]byte{0x03}, 80),
		LeaderVRF0:           bytes.Repeat([]byte{0x04}, 64),
		LeaderVRF1:           bytes.Repeat([]byte{0x05}, 80),
		BlockSize:            1024,
		BlockBodyHash:        bytes.Repeat([]byte{0x06}, 32),
		PoolOpcert:           bytes.Repeat([]byte{0x07}, 32),
		Unknown0:             3,
		Unknown1:             200,
		Unknown2:             bytes.Repeat([]byte{0x08}, 64),
		ProtocolMajorVersion: 6,
		ProtocolMinorVersion: 0,
	}
}

func appendAll(t *testing.T, c *ChainIndex, hs ...*header.Header) {
	t.Helper()
	for _, h := range hs {
		require.NoError(t, c.Append(h))
	}
	require.NoError(t, c.Flush())
}

func TestOpenMigratesFreshStore(t *testing.T) {
	dir := t.TempDir()
	c := openIndexAt(t, dir)

	version, err := c.Version()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)

	counts, err := c.Counts()
	require.NoError(t, err)
	require.Equal(t, Counts{}, counts)

	_, err = c.Tip()
	require.ErrorIs(t, err, ErrNotFound)

	appendAll(t, c, testHeader(10, 0))
	row, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, uint64(1), row.ID)
	require.False(t, row.Orphaned)
	require.NoError(t, c.Close())

	// Reopening an up-to-date store keeps its rows and version.
	c = openIndexAt(t, dir)
	version, err = c.Version()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)
	row, err = c.Tip()
	require.NoError(t, err)
	require.Equal(t, uint64(10), row.SlotNumber)
	require.NoError(t, c.Close())
}

func TestOpenRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	c := openIndexAt(t, dir)
	require.NoError(t, c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyVersion, []byte("2"))
	}))
	require.NoError(t, c.Close())

	_, err := Open(dir, mainnet(t))
	require.Error(t, err)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, "migrate", storageErr.Op)
	require.ErrorIs(t, err, ErrNewerVersion)
}

func TestFlushChainsFromGenesis(t *testing.T) {
	c := openIndex(t, WithBatchSize(1))
	defer c.Close()

	h := testHeader(100, 7)
	require.NoError(t, c.Append(h))
	require.Zero(t, c.Pending())

	genesis := mainnet(t).GenesisNonce
	want := nonce.Next(genesis, h.EtaVRF0)

	tip, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, want, tip.EtaV)
	require.Equal(t, want, h.EtaV)
	require.Equal(t, h.Hash, tip.Hash)
	require.False(t, tip.Orphaned)
}

func TestFlushChainsAcrossBatches(t *testing.T) {
	c := openIndex(t, WithBatchSize(2), WithFlushInterval(time.Hour))
	defer c.Close()

	hs := []*header.Header{testHeader(10, 1), testHeader(20, 2), testHeader(30, 3)}
	for _, h := range hs {
		require.NoError(t, c.Append(h))
	}
	require.Equal(t, 1, c.Pending())
	require.NoError(t, c.Flush())

	want := nonce.Chain(mainnet(t).GenesisNonce, hs[0].EtaVRF0, hs[1].EtaVRF0, hs[2].EtaVRF0)
	tip, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, uint64(3), tip.ID)
	require.Equal(t, want, tip.EtaV)
}

func TestAppendFlushTriggers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_600_000_000, 0)}
	c := openIndex(t, WithBatchSize(3), WithFlushInterval(5*time.Second), WithClock(clock.Now))
	defer c.Close()

	require.NoError(t, c.Append(testHeader(1, 0)))
	require.NoError(t, c.Append(testHeader(2, 0)))
	require.Equal(t, 2, c.Pending())

	require.NoError(t, c.Append(testHeader(3, 0)))
	require.Zero(t, c.Pending(), "batch size reached")

	clock.Advance(time.Second)
	require.NoError(t, c.Append(testHeader(4, 0)))
	require.Equal(t, 1, c.Pending())

	clock.Advance(5 * time.Second)
	require.NoError(t, c.Append(testHeader(5, 0)))
	require.Zero(t, c.Pending(), "flush interval passed")

	counts, err := c.Counts()
	require.NoError(t, err)
	require.Equal(t, 5, counts.Total)
}

func TestRollbackOrphansFromSlot(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	h10, h20, h30 := testHeader(10, 0), testHeader(20, 0), testHeader(30, 0)
	appendAll(t, c, h10, h20, h30)

	require.NoError(t, c.Rollback(20))

	for hash, want := range map[string]Validity{
		string(h10.Hash): Valid,
		string(h20.Hash): Orphaned,
		string(h30.Hash): Orphaned,
	} {
		got, err := c.Validate([]byte(hash))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	points, err := c.RecentPoints(33)
	require.NoError(t, err)
	require.Equal(t, []header.Point{h10.Point()}, points)

	counts, err := c.Counts()
	require.NoError(t, err)
	require.Equal(t, Counts{Total: 3, Orphaned: 2}, counts)

	// A replacement block at the rolled back slot chains from slot 10.
	replacement := testHeader(20, 9)
	appendAll(t, c, replacement)
	tip, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, replacement.Hash, tip.Hash)
	require.Equal(t, nonce.Next(h10.EtaV, replacement.EtaVRF0), tip.EtaV)

	rows, err := c.RowsAtSlot(20)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].Orphaned)
	require.False(t, rows[1].Orphaned)
}

func TestRollbackDropsPending(t *testing.T) {
	c := openIndex(t, WithFlushInterval(time.Hour))
	defer c.Close()

	appendAll(t, c, testHeader(10, 0))
	require.NoError(t, c.Append(testHeader(20, 0)))
	require.NoError(t, c.Append(testHeader(30, 0)))
	require.Equal(t, 2, c.Pending())

	require.NoError(t, c.Rollback(25))
	require.Equal(t, 1, c.Pending())
	require.NoError(t, c.Flush())

	points, err := c.RecentPoints(10)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, uint64(20), points[0].Slot)
	require.Equal(t, uint64(10), points[1].Slot)
}

func TestRollbackEverythingFallsBackToGenesis(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	appendAll(t, c, testHeader(10, 0), testHeader(20, 0))
	require.NoError(t, c.Rollback(0))

	_, err := c.Tip()
	require.ErrorIs(t, err, ErrNotFound)

	h := testHeader(5, 4)
	appendAll(t, c, h)
	tip, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, nonce.Next(mainnet(t).GenesisNonce, h.EtaVRF0), tip.EtaV)
}

func TestRollbackSpansChunks(t *testing.T) {
	c := openIndex(t, WithBatchSize(300), WithFlushInterval(time.Hour))
	defer c.Close()

	const rows = 2*rollbackChunk + 100
	for slot := uint64(1); slot <= rows; slot++ {
		require.NoError(t, c.Append(testHeader(slot, 0)))
	}
	require.NoError(t, c.Flush())

	require.NoError(t, c.Rollback(1))
	counts, err := c.Counts()
	require.NoError(t, err)
	require.Equal(t, Counts{Total: rows, Orphaned: rows}, counts)
}

func TestFlushOrphansRowsAtOrAboveSlot(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	h10, h20, h30 := testHeader(10, 0), testHeader(20, 0), testHeader(30, 0)
	appendAll(t, c, h10, h20, h30)

	// No rollback was received, but a header at slot 20 replaces 20 and 30.
	fork := testHeader(20, 5)
	appendAll(t, c, fork)

	v, err := c.Validate(h30.Hash)
	require.NoError(t, err)
	require.Equal(t, Orphaned, v)
	v, err = c.Validate(fork.Hash)
	require.NoError(t, err)
	require.Equal(t, Valid, v)
	require.Equal(t, nonce.Next(h10.EtaV, fork.EtaVRF0), fork.EtaV)
}

func TestEtaVBefore(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	genesis := mainnet(t).GenesisNonce
	h10, h20, h30 := testHeader(10, 0), testHeader(20, 0), testHeader(30, 0)
	appendAll(t, c, h10, h20, h30)

	cases := []struct {
		slot uint64
		want [32]byte
	}{
		{0, genesis},
		{10, genesis},
		{11, h10.EtaV},
		{20, h10.EtaV},
		{31, h30.EtaV},
	}
	for _, tc := range cases {
		got, err := c.EtaVBefore(tc.slot)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "slot %d", tc.slot)
	}

	tipHeader, err := c.TipHeader()
	require.NoError(t, err)
	require.Equal(t, h30.EtaV, tipHeader.EtaV)
}

func TestValidateMissing(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	appendAll(t, c, testHeader(10, 0))
	v, err := c.Validate(bytes.Repeat([]byte{0xee}, 32))
	require.NoError(t, err)
	require.Equal(t, Missing, v)
}

func TestCloseFlushesPending(t *testing.T) {
	dir := t.TempDir()
	c := openIndexAt(t, dir, WithFlushInterval(time.Hour))
	h := testHeader(42, 0)
	require.NoError(t, c.Append(h))
	require.Equal(t, 1, c.Pending())
	require.NoError(t, c.Close())

	c = openIndexAt(t, dir)
	defer c.Close()
	tip, err := c.Tip()
	require.NoError(t, err)
	require.Equal(t, h.Hash, tip.Hash)
}

func TestWalkActiveSkipsOrphans(t *testing.T) {
	c := openIndex(t)
	defer c.Close()

	appendAll(t, c, testHeader(10, 0), testHeader(20, 0), testHeader(30, 0))
	require.NoError(t, c.Rollback(20))
	appendAll(t, c, testHeader(25, 1))

	var slots []uint64
	require.NoError(t, c.WalkActive(func(r *Row) error {
		require.False(t, r.Orphaned)
		slots = append(slots, r.SlotNumber)
		return nil
	}))
	require.Equal(t, []uint64{10, 25}, slots)

	stop := errors.New("stop")
	calls := 0
	err := c.WalkActive(func(*Row) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}
