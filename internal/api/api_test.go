package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenroute/tripledger/internal/emissions"
	"github.com/greenroute/tripledger/internal/engine"
	"github.com/greenroute/tripledger/internal/ledger"
	"github.com/greenroute/tripledger/internal/record"
	"github.com/greenroute/tripledger/internal/store"
	"github.com/greenroute/tripledger/internal/supplier"
	"github.com/greenroute/tripledger/internal/telemetry"
)

const fixture = `{
  "suppliers": [
    {"supplier_id": "SUP-1", "name": "Acme Haulage", "vehicles": [
      {"vehicle_id": "VEH-1", "type": "Heavy-Duty Truck", "trips": [
        {"trip_id": "TRIP-1", "gps_pings": [
          {"latitude": 51.5, "longitude": -0.1, "timestamp": "2024-06-01T08:00:00Z"},
          {"latitude": 51.6, "longitude": -0.1, "timestamp": "2024-06-01T08:10:00Z"},
          {"latitude": 51.7, "longitude": -0.1, "timestamp": "2024-06-01T08:20:00Z"}
        ]}
      ]}
    ]},
    {"supplier_id": "SUP-2", "name": "Blue Water Lines", "vehicles": [
      {"vehicle_id": "SHIP-1", "type": "Cargo Ship", "trips": [
        {"trip_id": "TRIP-2", "gps_pings": [
          {"latitude": 0.0, "longitude": 0.0, "timestamp": "2024-06-01T00:00:00Z"},
          {"latitude": 1.0, "longitude": 0.0, "timestamp": "2024-06-01T06:00:00Z"}
        ]}
      ]}
    ]}
  ]
}`

type testServer struct {
	*Server
	shutdowns int
}

func setupServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open("sqlite", filepath.Join(dir, "records.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	led, err := ledger.Open(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	factors, err := emissions.NewFactorTable("")
	require.NoError(t, err)
	reg, err := supplier.NewRegistry("")
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{Store: st, Ledger: led, Factors: factors, Registry: reg})
	require.NoError(t, err)

	ts := &testServer{}
	opts := Options{
		Engine:         eng,
		LoadSource:     func() (*telemetry.Source, error) { return telemetry.Parse([]byte(fixture)) },
		Simulation:     true,
		LiveFeed:       true,
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		MaxInFlight:    8,
		OnShutdown:     func() { ts.shutdowns++ },
		Version:        "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.Server = New(opts)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec.Code, out
}

func (ts *testServer) process(t *testing.T) {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/automation/process-all-data", "")
	require.Equal(t, http.StatusOK, code, "%v", body)
}

func TestHealth(t *testing.T) {
	ts := setupServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestProcessAndListTrips(t *testing.T) {
	ts := setupServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/automation/process-all-data", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "All supply chain data processed successfully.", body["message"])
	assert.Equal(t, 2.0, body["suppliers_processed"])
	assert.Equal(t, 2.0, body["trips_audited"])

	code, body = ts.do(t, http.MethodGet, "/audit/list-trips", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"TRIP-1", "TRIP-2"}, body["trips"])
	assert.Len(t, body["audit_ids"], 2)
}

func TestProcessSupplierFilter(t *testing.T) {
	ts := setupServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/automation/process-all-data?supplier=SUP-2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["suppliers_processed"])

	code, body = ts.do(t, http.MethodPost, "/automation/process-all-data?supplier=%5Bbad", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, codeInvalidArgument, body["error"])
}

func TestProcessSourceError(t *testing.T) {
	ts := setupServer(t, func(o *Options) {
		o.LoadSource = func() (*telemetry.Source, error) {
			return nil, fmt.Errorf("%w: telemetry source", record.ErrNotFound)
		}
	})
	code, _ := ts.do(t, http.MethodPost, "/automation/process-all-data", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTripReportVerified(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	code, body := ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "VERIFIED", body["integrity_status"])
	assert.Len(t, body["data_hash"], 64)
	assert.Equal(t, body["data_hash"], body["recalculated_data_hash"])
	assert.Equal(t, []any{}, body["tamper_evidence"])
	assert.Equal(t, 1.2, body["emission_factor_per_km"])
	assert.Equal(t, emissions.Methodology, body["methodology"])
	assert.Len(t, body["segments"], 2)
	assert.Len(t, body["field_hashes"], len(record.Fields()))
	for _, key := range []string{"total_trip_distance_km", "total_trip_emissions_kg_co2e", "confidence_score",
		"recommendations", "emission_factor_source", "ingested_at", "data_sources", "audit_id"} {
		assert.Contains(t, body, key)
	}

	// The audit id resolves to the same record.
	auditID := body["audit_id"].(string)
	code, byAudit := ts.do(t, http.MethodGet, "/audit/trip-report/"+auditID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "TRIP-1", byAudit["trip_id"])
}

func TestTripReportNotFound(t *testing.T) {
	ts := setupServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-404", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, body["error"])
	assert.NotEmpty(t, body["detail"])
}

func TestTamperReportResetScenario(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	code, body := ts.do(t, http.MethodPost,
		"/simulation/tamper-data?trip_id=TRIP-1&field=total_trip_emissions_kg_co2e&new_value=9999", "")
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.Contains(t, body["message"], "ATTACK SUCCESSFUL")

	code, body = ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPROMISED", body["integrity_status"])
	assert.Equal(t, 9999.0, body["total_trip_emissions_kg_co2e"])
	evidence := body["tamper_evidence"].([]any)
	require.Len(t, evidence, 1)
	ev := evidence[0].(map[string]any)
	assert.Equal(t, "total_trip_emissions_kg_co2e", ev["field"])
	assert.Equal(t, "HIGH", ev["severity"])
	assert.NotEqual(t, ev["stored_hash"], ev["recalculated_hash"])
	assert.NotEmpty(t, ev["detected_at"])

	// Reading again does not add a second event.
	ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	code, body = ts.do(t, http.MethodGet, "/authority/integrity-events", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPROMISED", body["integrity_status"])
	assert.Equal(t, 1.0, body["event_count"])

	code, body = ts.do(t, http.MethodPost, "/simulation/reset-data", `{"trip_id": "TRIP-1"}`)
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.Equal(t, "VERIFIED", body["integrity_status"])
	assert.Equal(t, []any{"total_trip_emissions_kg_co2e"}, body["restored_fields"])

	code, body = ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "VERIFIED", body["integrity_status"])
	assert.Equal(t, []any{}, body["tamper_evidence"])
	assert.Len(t, body["tamper_history"], 1)

	_, body = ts.do(t, http.MethodGet, "/authority/integrity-events", "")
	assert.Equal(t, 1.0, body["event_count"], "restore must not shrink the ledger")
}

func TestIntegrityEventsFilters(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	_, body := ts.do(t, http.MethodGet, "/authority/integrity-events", "")
	assert.Equal(t, "SECURE", body["integrity_status"])
	assert.Equal(t, []any{}, body["events"])

	ts.do(t, http.MethodPost, "/simulation/tamper-data?trip_id=TRIP-1&field=vehicle_id&new_value=VEH-X", "")
	ts.do(t, http.MethodPost, "/simulation/tamper-data?trip_id=TRIP-2&field=total_trip_distance_km&new_value=1", "")
	ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-2", "")

	tests := []struct {
		query string
		want  float64
	}{
		{"", 2},
		{"?trip_id=TRIP-1", 1},
		{"?severity=high", 1},
		{"?severity=LOW", 1},
		{"?field=total_*", 1},
		{"?limit=1", 1},
		{"?trip_id=TRIP-9", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, body := ts.do(t, http.MethodGet, "/authority/integrity-events"+tt.query, "")
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, body["event_count"])
		})
	}

	code, _ := ts.do(t, http.MethodGet, "/authority/integrity-events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodGet, "/authority/integrity-events?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTamperRejectsBadInput(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown field", "/simulation/tamper-data?trip_id=TRIP-1&field=color&new_value=1", "", http.StatusBadRequest},
		{"unknown trip", "/simulation/tamper-data?trip_id=TRIP-9&field=vehicle_id&new_value=x", "", http.StatusNotFound},
		{"missing trip", "/simulation/tamper-data?field=vehicle_id&new_value=x", "", http.StatusBadRequest},
		{"missing value", "/simulation/tamper-data?trip_id=TRIP-1&field=vehicle_id", "", http.StatusBadRequest},
		{"text into number", "/simulation/tamper-data", `{"trip_id":"TRIP-1","field":"confidence_score","new_value":"high"}`, http.StatusBadRequest},
		{"confidence out of range", "/simulation/tamper-data?trip_id=TRIP-1&field=confidence_score&new_value=1.5", "", http.StatusBadRequest},
		{"segments via query", "/simulation/tamper-data?trip_id=TRIP-1&field=segments&new_value=x", "", http.StatusBadRequest},
		{"malformed body", "/simulation/tamper-data", `{"trip_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, code, "%v", body)
		})
	}

	// Nothing above changed the record.
	_, body := ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
	assert.Equal(t, "VERIFIED", body["integrity_status"])
}

func TestTamperStructuredFieldViaBody(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	code, body := ts.do(t, http.MethodPost, "/simulation/tamper-data",
		`{"trip_id":"TRIP-2","field":"emission_factor_source","new_value":{"name":"Made Up","version":"0.1"}}`)
	require.Equal(t, http.StatusOK, code, "%v", body)

	_, body = ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-2", "")
	assert.Equal(t, "COMPROMISED", body["integrity_status"])
	evidence := body["tamper_evidence"].([]any)
	require.Len(t, evidence, 1)
	assert.Equal(t, "emission_factor_source", evidence[0].(map[string]any)["field"])
	assert.Equal(t, "LOW", evidence[0].(map[string]any)["severity"])
}

func TestIntelligenceEndpoints(t *testing.T) {
	ts := setupServer(t, nil)

	code, body := ts.do(t, http.MethodGet, "/intelligence/supplier-leaderboard", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, body["error"])

	code, body = ts.do(t, http.MethodGet, "/intelligence/dashboard-stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["total_trips"])
	assert.Equal(t, "N/A", body["top_offender"])
	assert.Nil(t, body["last_updated"])

	ts.process(t)

	code, body = ts.do(t, http.MethodGet, "/intelligence/dashboard-stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["total_trips"])
	assert.Equal(t, "Acme Haulage", body["top_offender"])
	for _, key := range []string{"total_co2_kg", "total_distance_km", "avg_confidence_score", "last_updated"} {
		assert.Contains(t, body, key)
	}

	code, body = ts.do(t, http.MethodGet, "/intelligence/supplier-leaderboard", "")
	require.Equal(t, http.StatusOK, code)
	board := body["leaderboard"].([]any)
	require.Len(t, board, 2)
	assert.Equal(t, "SUP-2", board[0].(map[string]any)["supplier_id"])
	assert.Contains(t, body["recommendation"], "Blue Water Lines")

	code, body = ts.do(t, http.MethodGet, "/intelligence/suppliers", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["suppliers"], 2)

	code, body = ts.do(t, http.MethodGet, "/intelligence/emission-factors", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2024.1", body["version"])
}

func TestSimulationDisabled(t *testing.T) {
	ts := setupServer(t, func(o *Options) { o.Simulation = false })
	ts.process(t)

	code, _ := ts.do(t, http.MethodPost, "/simulation/tamper-data?trip_id=TRIP-1&field=vehicle_id&new_value=x", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = ts.do(t, http.MethodPost, "/simulation/reset-data?trip_id=TRIP-1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestShutdownLoopbackOnly(t *testing.T) {
	ts := setupServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, ts.shutdowns)

	req = httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.shutdowns)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:80"))
	assert.True(t, isLoopback("[::1]:80"))
	assert.True(t, isLoopback("127.1.2.3:80"))
	assert.False(t, isLoopback("10.0.0.1:80"))
	assert.False(t, isLoopback("garbage"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", record.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", record.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("x: %w", record.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", record.ErrInvariantViolation), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, "%v", tt.err)
	}
}

func TestLiveFeedPushesEvents(t *testing.T) {
	ts := setupServer(t, nil)
	ts.process(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.RunLiveFeed(ctx)

	srv := httptest.NewServer(ts)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/integrity-events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan ledger.Event, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var e ledger.Event
		if json.Unmarshal(msg, &e) == nil {
			received <- e
		}
	}()

	// The follower only reports events appended after it starts, so keep
	// producing distinct events until one arrives.
	deadline := time.After(10 * time.Second)
	for i := 1; ; i++ {
		ts.do(t, http.MethodPost, fmt.Sprintf("/simulation/tamper-data?trip_id=TRIP-1&field=total_trip_distance_km&new_value=%d", i), "")
		ts.do(t, http.MethodGet, "/audit/trip-report/TRIP-1", "")
		select {
		case e := <-received:
			assert.Equal(t, "total_trip_distance_km", e.Field)
			assert.Equal(t, "TRIP-1", e.TripID)
			return
		case <-time.After(300 * time.Millisecond):
		case <-deadline:
			t.Fatal("no live feed event received")
		}
	}
}
