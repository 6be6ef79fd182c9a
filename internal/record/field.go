package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Field selects one tamper-sensitive attribute of an AuditRecord. The set
// is closed: every Field is declared below, and names from the outside
// world resolve through ParseField.
type Field uint8

const (
	FieldSupplierID Field = iota + 1
	FieldVehicleID
	FieldVehicleType
	FieldSegments
	FieldTotalDistance
	FieldTotalEmissions
	FieldConfidence
	FieldFactorPerKm
	FieldFactorSource
	FieldIngestedAt
	FieldDataSources
)

// Kind is the declared value type of a Field.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindNumber
	KindTime
	KindSegments
	KindSource
	KindTags
)

var kindNames = map[Kind]string{
	KindText:     "text",
	KindNumber:   "number",
	KindTime:     "timestamp",
	KindSegments: "segment list",
	KindSource:   "factor source",
	KindTags:     "string map",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

type fieldSpec struct {
	name     string
	kind     Kind
	severity Severity
}

// fieldSpecs is indexed by Field-1 and doubles as the fixed hash order.
var fieldSpecs = [...]fieldSpec{
	{"supplier_id", KindText, SeverityLow},
	{"vehicle_id", KindText, SeverityLow},
	{"vehicle_type", KindText, SeverityLow},
	{"segments", KindSegments, SeverityHigh},
	{"total_trip_distance_km", KindNumber, SeverityHigh},
	{"total_trip_emissions_kg_co2e", KindNumber, SeverityHigh},
	{"confidence_score", KindNumber, SeverityMedium},
	{"emission_factor_per_km", KindNumber, SeverityHigh},
	{"emission_factor_source", KindSource, SeverityLow},
	{"ingested_at", KindTime, SeverityLow},
	{"data_sources", KindTags, SeverityLow},
}

// Fields returns every tamper-sensitive field in hash order.
func Fields() []Field {
	out := make([]Field, len(fieldSpecs))
	for i := range fieldSpecs {
		out[i] = Field(i + 1)
	}
	return out
}

// ParseField resolves a wire name. Unknown names are ErrInvalidArgument.
func ParseField(name string) (Field, error) {
	for i, s := range fieldSpecs {
		if s.name == name {
			return Field(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, name)
}

// Valid reports whether f is one of the declared fields.
func (f Field) Valid() bool { return f >= 1 && int(f) <= len(fieldSpecs) }

func (f Field) spec() fieldSpec {
	if !f.Valid() {
		panic(fmt.Sprintf("record: invalid field %d", f))
	}
	return fieldSpecs[f-1]
}

func (f Field) String() string {
	if !f.Valid() {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return f.spec().name
}

func (f Field) Kind() Kind         { return f.spec().kind }
func (f Field) Severity() Severity { return f.spec().severity }

func (f Field) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: field %d", ErrInvalidArgument, f)
	}
	return []byte(f.String()), nil
}

func (f *Field) UnmarshalText(b []byte) error {
	parsed, err := ParseField(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Value is a tagged union holding one field value of a specific Kind.
type Value struct {
	kind     Kind
	text     string
	num      float64
	ts       time.Time
	segments []TripSegment
	source   FactorSource
	tags     map[string]string
}

func TextValue(s string) Value            { return Value{kind: KindText, text: s} }
func NumberValue(n float64) Value         { return Value{kind: KindNumber, num: n} }
func TimeValue(t time.Time) Value         { return Value{kind: KindTime, ts: t.UTC()} }
func SegmentsValue(s []TripSegment) Value { return Value{kind: KindSegments, segments: s} }
func SourceValue(s FactorSource) Value    { return Value{kind: KindSource, source: s} }
func TagsValue(m map[string]string) Value { return Value{kind: KindTags, tags: m} }
func (v Value) Kind() Kind                { return v.kind }

// Interface returns the value in its JSON-friendly form.
func (v Value) Interface() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num
	case KindTime:
		return v.ts.Format(time.RFC3339Nano)
	case KindSegments:
		return v.segments
	case KindSource:
		return v.source
	case KindTags:
		return v.tags
	}
	return nil
}

// Get reads the live value of f from r.
func Get(r *AuditRecord, f Field) Value {
	switch f {
	case FieldSupplierID:
		return TextValue(r.SupplierID)
	case FieldVehicleID:
		return TextValue(r.VehicleID)
	case FieldVehicleType:
		return TextValue(r.VehicleType)
	case FieldSegments:
		return SegmentsValue(r.Segments)
	case FieldTotalDistance:
		return NumberValue(r.TotalDistanceKm)
	case FieldTotalEmissions:
		return NumberValue(r.TotalEmissionsKg)
	case FieldConfidence:
		return NumberValue(r.ConfidenceScore)
	case FieldFactorPerKm:
		return NumberValue(r.EmissionFactorPerKm)
	case FieldFactorSource:
		return SourceValue(r.EmissionFactorSource)
	case FieldIngestedAt:
		return TimeValue(r.IngestedAt)
	case FieldDataSources:
		return TagsValue(r.DataSources)
	}
	panic(fmt.Sprintf("record: invalid field %d", f))
}

// Set overwrites the live value of f on r. It never touches the Baseline.
// A value of the wrong Kind is ErrInvalidArgument.
func Set(r *AuditRecord, f Field, v Value) error {
	if !f.Valid() {
		return fmt.Errorf("%w: field %d", ErrInvalidArgument, f)
	}
	if v.kind != f.Kind() {
		return fmt.Errorf("%w: field %s expects %s, got %s", ErrInvalidArgument, f, f.Kind(), v.kind)
	}
	switch f {
	case FieldSupplierID:
		r.SupplierID = v.text
	case FieldVehicleID:
		r.VehicleID = v.text
	case FieldVehicleType:
		r.VehicleType = v.text
	case FieldSegments:
		r.Segments = append([]TripSegment(nil), v.segments...)
	case FieldTotalDistance:
		r.TotalDistanceKm = v.num
	case FieldTotalEmissions:
		r.TotalEmissionsKg = v.num
	case FieldConfidence:
		r.ConfidenceScore = v.num
	case FieldFactorPerKm:
		r.EmissionFactorPerKm = v.num
	case FieldFactorSource:
		r.EmissionFactorSource = v.source
	case FieldIngestedAt:
		r.IngestedAt = v.ts
	case FieldDataSources:
		m := make(map[string]string, len(v.tags))
		for k, s := range v.tags {
			m[k] = s
		}
		r.DataSources = m
	}
	return nil
}

// ParseValue decodes a JSON value for f, enforcing the field's Kind.
func ParseValue(f Field, raw json.RawMessage) (Value, error) {
	if !f.Valid() {
		return Value{}, fmt.Errorf("%w: field %d", ErrInvalidArgument, f)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, fmt.Errorf("%w: new_value is required", ErrInvalidArgument)
	}

	mismatch := func() error {
		return fmt.Errorf("%w: field %s expects %s", ErrInvalidArgument, f, f.Kind())
	}

	switch f.Kind() {
	case KindNumber:
		if raw[0] == '"' {
			return Value{}, mismatch()
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, mismatch()
		}
		return checkNumber(f, n)

	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, mismatch()
		}
		return TextValue(s), nil

	case KindTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, mismatch()
		}
		return parseTime(f, s)

	case KindSegments:
		var segs []TripSegment
		if err := strictUnmarshal(raw, &segs); err != nil || raw[0] != '[' {
			return Value{}, mismatch()
		}
		for i, s := range segs {
			if !finite(s.DistanceKm) || !finite(s.EmissionsKgCO2e) {
				return Value{}, fmt.Errorf("%w: segment %d has a non-finite number", ErrInvalidArgument, i)
			}
		}
		return SegmentsValue(segs), nil

	case KindSource:
		var src FactorSource
		if err := strictUnmarshal(raw, &src); err != nil || raw[0] != '{' {
			return Value{}, mismatch()
		}
		return SourceValue(src), nil

	case KindTags:
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil || raw[0] != '{' {
			return Value{}, mismatch()
		}
		return TagsValue(m), nil
	}
	return Value{}, mismatch()
}

// ParseValueString decodes a query-string value for f. Only scalar kinds
// have a string form; structured kinds must be sent as JSON.
func ParseValueString(f Field, s string) (Value, error) {
	if !f.Valid() {
		return Value{}, fmt.Errorf("%w: field %d", ErrInvalidArgument, f)
	}
	switch f.Kind() {
	case KindNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: new_value %q is not a number", ErrInvalidArgument, s)
		}
		return checkNumber(f, n)
	case KindText:
		return TextValue(s), nil
	case KindTime:
		return parseTime(f, s)
	default:
		return Value{}, fmt.Errorf("%w: field %s (%s) must be sent as a JSON body", ErrInvalidArgument, f, f.Kind())
	}
}

func checkNumber(f Field, n float64) (Value, error) {
	if !finite(n) {
		return Value{}, fmt.Errorf("%w: new_value must be finite", ErrInvalidArgument)
	}
	if f == FieldConfidence && (n < 0 || n > 1) {
		return Value{}, fmt.Errorf("%w: confidence_score %v out of range [0,1]", ErrInvalidArgument, n)
	}
	return NumberValue(n), nil
}

func parseTime(f Field, s string) (Value, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Value{}, fmt.Errorf("%w: field %s expects an RFC 3339 timestamp: %v", ErrInvalidArgument, f, err)
	}
	return TimeValue(t), nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func finite(n float64) bool { return !math.IsNaN(n) && !math.IsInf(n, 0) }
