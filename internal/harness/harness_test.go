package harness

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenroute/tripledger/internal/keylock"
	"github.com/greenroute/tripledger/internal/record"
	"github.com/greenroute/tripledger/internal/store"
	"github.com/greenroute/tripledger/internal/verify"
)

func setup(t *testing.T) (*Harness, *store.Store, *record.AuditRecord) {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "records.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rec, snap, err := record.NewBuilder().Build(record.Input{
		TripID:           "TRIP-1",
		SupplierID:       "SUP-1",
		VehicleID:        "VEH-1",
		VehicleType:      "Light-Duty Van",
		TotalDistanceKm:  15,
		TotalEmissionsKg: 4.5,
		ConfidenceScore:  0.8,
		FactorSource:     record.FactorSource{Name: "DEFRA", Version: "2024.1"},
		FactorPerKm:      0.3,
		Segments: []record.TripSegment{
			{FromTimestamp: at, ToTimestamp: at.Add(time.Minute), DistanceKm: 15, EmissionsKgCO2e: 4.5},
		},
	})
	require.NoError(t, err)
	_, err = s.Create(context.Background(), rec, snap)
	require.NoError(t, err)

	return New(s, &keylock.Locks{}, nil), s, rec
}

func status(t *testing.T, s *store.Store, id string) (record.Status, []verify.FieldCheck) {
	t.Helper()
	rec, err := s.Resolve(context.Background(), id)
	require.NoError(t, err)
	res, err := verify.Verify(rec)
	require.NoError(t, err)
	return res.Status, res.Mismatches()
}

func TestInjectThenRestore(t *testing.T) {
	h, s, rec := setup(t)
	ctx := context.Background()

	res, err := h.Inject(ctx, "TRIP-1", record.FieldTotalEmissions, record.NumberValue(9999))
	require.NoError(t, err)
	assert.Equal(t, rec.AuditID, res.AuditID)

	st, mm := status(t, s, "TRIP-1")
	assert.Equal(t, record.StatusCompromised, st)
	require.Len(t, mm, 1)
	assert.Equal(t, record.FieldTotalEmissions, mm[0].Field)

	restored, err := h.Restore(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, []record.Field{record.FieldTotalEmissions}, restored.Fields)

	st, _ = status(t, s, "TRIP-1")
	assert.Equal(t, record.StatusVerified, st)
}

func TestRestoreIsIdempotent(t *testing.T) {
	h, s, _ := setup(t)
	ctx := context.Background()

	_, err := h.Inject(ctx, "TRIP-1", record.FieldVehicleID, record.TextValue("VEH-X"))
	require.NoError(t, err)
	_, err = h.Inject(ctx, "TRIP-1", record.FieldConfidence, record.NumberValue(0.1))
	require.NoError(t, err)

	first, err := h.Restore(ctx, "TRIP-1")
	require.NoError(t, err)
	assert.Len(t, first.Fields, 2)

	before, err := s.Resolve(ctx, "TRIP-1")
	require.NoError(t, err)

	second, err := h.Restore(ctx, "TRIP-1")
	require.NoError(t, err)
	assert.Empty(t, second.Fields)

	after, err := s.Resolve(ctx, "TRIP-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "a no-op restore must not write")
}

func TestInjectSameValueStaysVerified(t *testing.T) {
	h, s, rec := setup(t)
	_, err := h.Inject(context.Background(), "TRIP-1", record.FieldSupplierID, record.TextValue(rec.SupplierID))
	require.NoError(t, err)

	st, _ := status(t, s, "TRIP-1")
	assert.Equal(t, record.StatusVerified, st)
}

func TestInjectErrors(t *testing.T) {
	h, _, _ := setup(t)
	ctx := context.Background()

	_, err := h.Inject(ctx, "TRIP-404", record.FieldVehicleID, record.TextValue("x"))
	assert.True(t, errors.Is(err, record.ErrNotFound))

	_, err = h.Inject(ctx, "TRIP-1", record.FieldTotalEmissions, record.TextValue("lots"))
	assert.True(t, errors.Is(err, record.ErrInvalidArgument))

	_, err = h.Inject(ctx, "TRIP-1", record.Field(0), record.TextValue("x"))
	assert.True(t, errors.Is(err, record.ErrInvalidArgument))

	_, err = h.Restore(ctx, "TRIP-404")
	assert.True(t, errors.Is(err, record.ErrNotFound))
}

func TestInjectParsedSegments(t *testing.T) {
	h, s, _ := setup(t)
	v, err := record.ParseValue(record.FieldSegments, json.RawMessage(`[]`))
	require.NoError(t, err)

	_, err = h.Inject(context.Background(), "TRIP-1", record.FieldSegments, v)
	require.NoError(t, err)

	_, mm := status(t, s, "TRIP-1")
	require.Len(t, mm, 1)
	assert.Equal(t, record.SeverityHigh, mm[0].Severity)
}

func TestRestoreLeavesBaseline(t *testing.T) {
	h, s, rec := setup(t)
	ctx := context.Background()
	_, err := h.Inject(ctx, "TRIP-1", record.FieldIngestedAt, record.TimeValue(time.Unix(0, 0)))
	require.NoError(t, err)
	_, err = h.Restore(ctx, "TRIP-1")
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, rec.Baseline.RootHash, got.Baseline.RootHash)
	assert.True(t, got.IngestedAt.Equal(rec.IngestedAt))
}
