package storage_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutOrderCreatesThenUpdatesMutableFields(t *testing.T) {
	s := testStore(t)

	o := &storage.Order{ID: "o1", Role: "leader", Side: "BUY", Product: "intraday", Kind: "limit", SecurityID: "SEC1", Status: "pending", RequestedQty: decimal.NewFromInt(10)}
	require.NoError(t, s.PutOrder(o))

	o.Status = "open"
	o.FilledQty = decimal.NewFromInt(5)
	require.NoError(t, s.PutOrder(o))

	got, err := s.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(5)))
}

func TestPutOrderRejectsImmutableFieldChange(t *testing.T) {
	s := testStore(t)

	o := &storage.Order{ID: "o2", Role: "leader", Side: "BUY", Product: "intraday", Kind: "limit", SecurityID: "SEC1", Status: "pending"}
	require.NoError(t, s.PutOrder(o))

	o.SecurityID = "SEC2"
	err := s.PutOrder(o)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetOrderNotFoundReturnsErrNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetOrder("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutMappingRejectsLosingFollowerID(t *testing.T) {
	s := testStore(t)

	m := &storage.CopyMapping{LeaderID: "l1", FollowerID: "f1", Status: "placed"}
	require.NoError(t, s.PutMapping(m))

	regressed := &storage.CopyMapping{LeaderID: "l1", FollowerID: "", Status: "placed"}
	err := s.PutMapping(regressed)
	assert.ErrorIs(t, err, storage.ErrMappingRegression)
}

func TestPutMappingRejectsFollowerIDChangeOncePlaced(t *testing.T) {
	s := testStore(t)

	m := &storage.CopyMapping{LeaderID: "l2", FollowerID: "f2", Status: "placed"}
	require.NoError(t, s.PutMapping(m))

	m.FollowerID = "f-other"
	err := s.PutMapping(m)
	assert.ErrorIs(t, err, storage.ErrMappingRegression)
}

func TestPutMappingRejectsRegressionFromPlacedToPending(t *testing.T) {
	s := testStore(t)

	m := &storage.CopyMapping{LeaderID: "l3", FollowerID: "f3", Status: "placed"}
	require.NoError(t, s.PutMapping(m))

	m.Status = "pending"
	err := s.PutMapping(m)
	assert.ErrorIs(t, err, storage.ErrMappingRegression)
}

func TestAppendEventIsIdempotentOnOrderAndSequence(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.AppendEvent("o1", 1, "new_order", `{"a":1}`, time.Now()))
	require.NoError(t, s.AppendEvent("o1", 1, "new_order", `{"a":1}`, time.Now())) // duplicate delivery, no error

	max, err := s.MaxSequence("o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), max)
}

func TestMaxSequenceReturnsZeroForUnknownOrder(t *testing.T) {
	s := testStore(t)
	max, err := s.MaxSequence("never-seen")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestPutLegUpsertsByParentAndKind(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutLeg("p1", "entry", "leg-e", "open"))
	require.NoError(t, s.PutLeg("p1", "stop", "leg-s", "open"))
	require.NoError(t, s.PutLeg("p1", "entry", "leg-e", "executed")) // same kind upserts, doesn't duplicate

	legs, err := s.ListLegs("p1")
	require.NoError(t, err)
	require.Len(t, legs, 2)

	var entryStatus string
	for _, leg := range legs {
		if leg.LegKind == "entry" {
			entryStatus = leg.Status
		}
	}
	assert.Equal(t, "executed", entryStatus)
}

func TestWatermarkRoundTrips(t *testing.T) {
	s := testStore(t)

	zero, err := s.GetWatermark()
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetWatermark(now))

	got, err := s.GetWatermark()
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}

func TestInstrumentCacheRoundTrips(t *testing.T) {
	s := testStore(t)

	inst := &storage.Instrument{SecurityID: "SEC1", LotSize: 25, TickSize: decimal.NewFromFloat(0.05), FreezeLimit: decimal.NewFromInt(900)}
	require.NoError(t, s.PutInstrument(inst))

	got, err := s.GetInstrument("SEC1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.LotSize)
	assert.True(t, got.FreezeLimit.Equal(decimal.NewFromInt(900)))
}
