package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenroute/tripledger/internal/record"
)

func setupTestStore(t *testing.T, sealer Sealer) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "records.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func build(t *testing.T, tripID string) (*record.AuditRecord, *record.Snapshot) {
	t.Helper()
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rec, snap, err := record.NewBuilder().Build(record.Input{
		TripID:           tripID,
		SupplierID:       "SUP-1",
		VehicleID:        "VEH-1",
		VehicleType:      "Heavy-Duty Truck",
		TotalDistanceKm:  15,
		TotalEmissionsKg: 18,
		ConfidenceScore:  0.9,
		FactorSource:     record.FactorSource{Name: "DEFRA", Version: "2024.1"},
		FactorPerKm:      1.2,
		Segments: []record.TripSegment{
			{FromTimestamp: at, ToTimestamp: at.Add(10 * time.Minute), DistanceKm: 10, EmissionsKgCO2e: 12},
			{FromTimestamp: at.Add(10 * time.Minute), ToTimestamp: at.Add(15 * time.Minute), DistanceKm: 5, EmissionsKgCO2e: 6},
		},
		DataSources: map[string]string{"gps": "telemetry_api_simulated"},
	})
	require.NoError(t, err)
	return rec, snap
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t, nil)
	ctx := context.Background()
	rec, snap := build(t, "TRIP-1")

	superseded, err := s.Create(ctx, rec, snap)
	require.NoError(t, err)
	assert.Empty(t, superseded)

	got, err := s.Get(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, rec.TotalEmissionsKg, got.TotalEmissionsKg)
	assert.Equal(t, rec.Baseline.RootHash, got.Baseline.RootHash)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.IngestedAt.Equal(rec.IngestedAt))

	byTrip, err := s.Resolve(ctx, "TRIP-1")
	require.NoError(t, err)
	assert.Equal(t, rec.AuditID, byTrip.AuditID)

	byAudit, err := s.Resolve(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, rec.AuditID, byAudit.AuditID)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := setupTestStore(t, nil)
	_, err := s.Get(context.Background(), "AUD-missing")
	assert.True(t, errors.Is(err, record.ErrNotFound))
	_, err = s.Resolve(context.Background(), "TRIP-missing")
	assert.True(t, errors.Is(err, record.ErrNotFound))
}

func TestCreateSupersedesPreviousRecord(t *testing.T) {
	s := setupTestStore(t, nil)
	ctx := context.Background()

	first, snap1 := build(t, "TRIP-1")
	_, err := s.Create(ctx, first, snap1)
	require.NoError(t, err)

	second, snap2 := build(t, "TRIP-1")
	superseded, err := s.Create(ctx, second, snap2)
	require.NoError(t, err)
	assert.Equal(t, first.AuditID, superseded)

	current, err := s.Resolve(ctx, "TRIP-1")
	require.NoError(t, err)
	assert.Equal(t, second.AuditID, current.AuditID)

	// The superseded record stays readable by audit_id.
	old, err := s.Get(ctx, first.AuditID)
	require.NoError(t, err)
	assert.Equal(t, first.Baseline.RootHash, old.Baseline.RootHash)

	refs, err := s.Refs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, second.AuditID, refs[0].AuditID)

	all, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateLiveKeepsBaselineAndDetectsConflict(t *testing.T) {
	s := setupTestStore(t, nil)
	ctx := context.Background()
	rec, snap := build(t, "TRIP-1")
	_, err := s.Create(ctx, rec, snap)
	require.NoError(t, err)

	a, err := s.Get(ctx, rec.AuditID)
	require.NoError(t, err)
	b, err := s.Get(ctx, rec.AuditID)
	require.NoError(t, err)

	a.TotalEmissionsKg = 9999
	a.Baseline.RootHash = "overwritten"
	require.NoError(t, s.UpdateLive(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	got, err := s.Get(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, 9999.0, got.TotalEmissionsKg)
	assert.Equal(t, rec.Baseline.RootHash, got.Baseline.RootHash, "baseline must not change")

	b.VehicleID = "VEH-X"
	err = s.UpdateLive(ctx, b)
	assert.True(t, errors.Is(err, record.ErrConflict), "stale write should conflict, got %v", err)
}

func TestSnapshotRoundTripSealed(t *testing.T) {
	sealer, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "snapshot.key"))
	require.NoError(t, err)
	s := setupTestStore(t, sealer)
	ctx := context.Background()

	rec, snap := build(t, "TRIP-1")
	_, err = s.Create(ctx, rec, snap)
	require.NoError(t, err)

	var row SnapshotRow
	require.NoError(t, s.db.Where("audit_id = ?", rec.AuditID).First(&row).Error)
	assert.True(t, row.Sealed)
	assert.NotContains(t, row.Payload, rec.AuditID, "sealed payload should not be readable")

	got, err := s.Snapshot(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.NoError(t, got.Matches(rec.Baseline))
}

func TestSnapshotDigestMismatch(t *testing.T) {
	s := setupTestStore(t, nil)
	ctx := context.Background()
	rec, snap := build(t, "TRIP-1")
	_, err := s.Create(ctx, rec, snap)
	require.NoError(t, err)

	require.NoError(t, s.db.Model(&SnapshotRow{}).Where("audit_id = ?", rec.AuditID).
		Update("digest", "sha256:0").Error)

	_, err = s.Snapshot(ctx, rec.AuditID)
	assert.True(t, errors.Is(err, record.ErrInvariantViolation))
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "snapshot.key")
	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	sealed, err := first.Seal([]byte("cold storage"))
	require.NoError(t, err)
	plain, err := second.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "cold storage", string(plain))
}

func TestMarkUnverifiable(t *testing.T) {
	s := setupTestStore(t, nil)
	ctx := context.Background()
	rec, snap := build(t, "TRIP-1")
	_, err := s.Create(ctx, rec, snap)
	require.NoError(t, err)

	require.NoError(t, s.MarkUnverifiable(ctx, rec.AuditID, "baseline incomplete"))
	flagged, reason, err := s.Unverifiable(ctx, rec.AuditID)
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Equal(t, "baseline incomplete", reason)

	assert.True(t, errors.Is(s.MarkUnverifiable(ctx, "AUD-none", "x"), record.ErrNotFound))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x", nil)
	assert.Error(t, err)
}
