package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenroute/tripledger/internal/emissions"
	"github.com/greenroute/tripledger/internal/engine"
	"github.com/greenroute/tripledger/internal/ledger"
	"github.com/greenroute/tripledger/internal/record"
)

// maxBodyBytes caps simulation request bodies.
const maxBodyBytes = 1 << 20

// Integrity states of the ledger as a whole.
const (
	ledgerSecure      = "SECURE"
	ledgerCompromised = "COMPROMISED"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "version": s.version}
	if refs, err := s.engine.Trips(r.Context()); err == nil {
		resp["trips"] = len(refs)
	}
	if n, err := s.engine.EventCount(); err == nil {
		resp["tamper_events"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Detail: "shutdown is only accepted from loopback"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	s.onShutdown()
}

// GET /audit/list-trips
func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	refs, err := s.engine.Trips(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trips := make([]string, 0, len(refs))
	auditIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		trips = append(trips, ref.TripID)
		auditIDs = append(auditIDs, ref.AuditID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips, "audit_ids": auditIDs})
}

// tripReport is the wire shape of GET /audit/trip-report/{id}.
type tripReport struct {
	AuditID              string                  `json:"audit_id"`
	TripID               string                  `json:"trip_id"`
	SupplierID           string                  `json:"supplier_id"`
	VehicleID            string                  `json:"vehicle_id"`
	VehicleType          string                  `json:"vehicle_type"`
	DataHash             string                  `json:"data_hash"`
	RecalculatedDataHash string                  `json:"recalculated_data_hash,omitempty"`
	IntegrityStatus      record.Status           `json:"integrity_status"`
	TotalDistanceKm      float64                 `json:"total_trip_distance_km"`
	TotalEmissionsKg     float64                 `json:"total_trip_emissions_kg_co2e"`
	ConfidenceScore      float64                 `json:"confidence_score"`
	Segments             []record.TripSegment    `json:"segments"`
	FieldHashes          map[record.Field]string `json:"field_hashes,omitempty"`
	TamperEvidence       []ledger.Event          `json:"tamper_evidence"`
	TamperHistory        []ledger.Event          `json:"tamper_history"`
	Flags                []string                `json:"flags"`
	Recommendations      []record.Recommendation `json:"recommendations"`
	EmissionFactorSource record.FactorSource     `json:"emission_factor_source"`
	EmissionFactorPerKm  float64                 `json:"emission_factor_per_km"`
	IngestedAt           time.Time               `json:"ingested_at"`
	DataSources          map[string]string       `json:"data_sources"`
	Methodology          string                  `json:"methodology"`
}

// GET /audit/trip-report/{id}
//
// Verifies on every read. tamper_evidence holds the ledger events that
// match the record's current mismatches; tamper_history holds every event
// ever recorded for the audit_id.
func (s *Server) handleTripReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Report(r.Context(), chi.URLParam(r, "id"), engine.SourceRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildTripReport(rep))
}

func buildTripReport(rep *engine.Report) tripReport {
	rec := rep.Record
	out := tripReport{
		AuditID:              rec.AuditID,
		TripID:               rec.TripID,
		SupplierID:           rec.SupplierID,
		VehicleID:            rec.VehicleID,
		VehicleType:          rec.VehicleType,
		RecalculatedDataHash: rep.Result.RecalculatedRoot,
		IntegrityStatus:      rep.Result.Status,
		TotalDistanceKm:      rec.TotalDistanceKm,
		TotalEmissionsKg:     rec.TotalEmissionsKg,
		ConfidenceScore:      rec.ConfidenceScore,
		Segments:             nonNil(rec.Segments),
		TamperEvidence:       []ledger.Event{},
		TamperHistory:        nonNil(rep.Events),
		Flags:                nonNil(rec.Flags),
		Recommendations:      nonNil(rec.Recommendations),
		EmissionFactorSource: rec.EmissionFactorSource,
		EmissionFactorPerKm:  rec.EmissionFactorPerKm,
		IngestedAt:           rec.IngestedAt,
		DataSources:          rec.DataSources,
		Methodology:          emissions.Methodology,
	}
	if rec.Baseline != nil {
		out.DataHash = rec.Baseline.RootHash
		out.FieldHashes = rec.Baseline.FieldHashes
	}

	current := make(map[string]bool)
	for _, c := range rep.Result.Mismatches() {
		current[c.Field.String()+"\x00"+c.RecalculatedHash] = true
	}
	for _, e := range rep.Events {
		if current[e.Field+"\x00"+e.RecalculatedHash] {
			out.TamperEvidence = append(out.TamperEvidence, e)
		}
	}
	return out
}

// GET /authority/integrity-events?audit_id=&trip_id=&severity=&field=&since=&limit=
func (s *Server) handleIntegrityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ledger.QueryParams{
		AuditID:  q.Get("audit_id"),
		TripID:   q.Get("trip_id"),
		Severity: record.Severity(q.Get("severity")),
		Field:    q.Get("field"),
		Since:    q.Get("since"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", record.ErrInvalidArgument))
			return
		}
		params.Limit = n
	}

	events, err := s.engine.Events(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := ledgerSecure
	if len(events) > 0 {
		status = ledgerCompromised
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"integrity_status": status,
		"event_count":      len(events),
		"events":           nonNil(events),
	})
}

// GET /intelligence/dashboard-stats
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /intelligence/supplier-leaderboard
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.Leaderboard(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// GET /intelligence/suppliers
func (s *Server) handleSuppliers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": s.engine.Suppliers()})
}

// GET /intelligence/emission-factors
func (s *Server) handleFactors(w http.ResponseWriter, r *http.Request) {
	set := s.engine.Factors()
	writeJSON(w, http.StatusOK, map[string]any{
		"source":          set.Source,
		"version":         set.Version,
		"validity_period": set.ValidityPeriod,
		"unit":            set.Unit,
		"link":            set.Link,
		"default":         set.Default,
		"factors":         set.Factors,
	})
}

// POST /automation/process-all-data?supplier=<glob>
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	src, err := s.loadSource()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Process(r.Context(), src, r.URL.Query().Get("supplier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// simulationRequest is the optional JSON body of the simulation routes.
// Query parameters of the same names are accepted too; body wins.
type simulationRequest struct {
	TripID   string          `json:"trip_id"`
	Field    string          `json:"field"`
	NewValue json.RawMessage `json:"new_value"`
}

func decodeSimulation(r *http.Request) (simulationRequest, error) {
	q := r.URL.Query()
	req := simulationRequest{TripID: q.Get("trip_id"), Field: q.Get("field")}

	var body simulationRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	switch {
	case errors.Is(err, io.EOF):
	case err != nil:
		return req, fmt.Errorf("%w: invalid request body: %v", record.ErrInvalidArgument, err)
	default:
		if body.TripID != "" {
			req.TripID = body.TripID
		}
		if body.Field != "" {
			req.Field = body.Field
		}
		req.NewValue = body.NewValue
	}

	if req.TripID == "" {
		return req, fmt.Errorf("%w: trip_id is required", record.ErrInvalidArgument)
	}
	return req, nil
}

// POST /simulation/tamper-data
func (s *Server) handleTamper(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSimulation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := record.ParseField(req.Field)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		v       record.Value
		display string
	)
	q := r.URL.Query()
	switch {
	case len(req.NewValue) > 0:
		v, err = record.ParseValue(f, req.NewValue)
		display = string(req.NewValue)
	case q.Has("new_value"):
		v, err = record.ParseValueString(f, q.Get("new_value"))
		display = q.Get("new_value")
	default:
		err = fmt.Errorf("%w: new_value is required", record.ErrInvalidArgument)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Inject(r.Context(), req.TripID, f, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  fmt.Sprintf("ATTACK SUCCESSFUL: Corrupted %s to %s for %s.", f, display, res.TripID),
		"note":     "The cryptographic hash was NOT updated. Next audit verification should fail.",
		"audit_id": res.AuditID,
		"trip_id":  res.TripID,
		"field":    f,
	})
}

// POST /simulation/reset-data
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSimulation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, rep, err := s.engine.Restore(r.Context(), req.TripID, engine.SourceRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          fmt.Sprintf("INTEGRITY RESTORED: Original data for %s has been recovered.", res.TripID),
		"integrity_status": rep.Result.Status,
		"audit_id":         res.AuditID,
		"trip_id":          res.TripID,
		"restored_fields":  nonNil(res.Fields),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
