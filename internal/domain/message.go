package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind is the "type" discriminator carried by every wire message.
type Kind string

const (
	KindSample   Kind = "sample"
	KindLog      Kind = "log"
	KindResponse Kind = "response"
)

// Status is the outcome reported to the node in a Response.
type Status string

const (
	StatusOK  Status = "ok"
	StatusBad Status = "bad"
)

// Unavailable marks an estimator that could not produce a label for a sample.
const Unavailable = "unavailable"

// BucketKey names a coarse time partition of the store, e.g. "20240131".
type BucketKey string

// Reading is a flat mapping of parameter name to a float64 or string value.
type Reading map[string]any

// Float returns the numeric value of key. Numeric strings are accepted.
func (r Reading) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Label returns the value of key rendered as a class label.
func (r Reading) Label(key string) (string, bool) {
	switch v := r[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Normalize returns a copy of r holding only values the wire format can
// carry: integers and float32 become float64, strings pass through. Any
// other value, or a non-finite number, is ErrMalformedPayload.
func (r Reading) Normalize() (Reading, error) {
	if r == nil {
		return nil, nil
	}
	out := make(Reading, len(r))
	for k, v := range r {
		var f float64
		switch val := v.(type) {
		case string:
			out[k] = val
			continue
		case float64:
			f = val
		case float32:
			f = float64(val)
		case int:
			f = float64(val)
		case int8:
			f = float64(val)
		case int16:
			f = float64(val)
		case int32:
			f = float64(val)
		case int64:
			f = float64(val)
		case uint:
			f = float64(val)
		case uint8:
			f = float64(val)
		case uint16:
			f = float64(val)
		case uint32:
			f = float64(val)
		case uint64:
			f = float64(val)
		case json.Number:
			n, err := val.Float64()
			if err != nil {
				return nil, Malformed("normalize reading", fmt.Errorf("field %s: %w", k, err))
			}
			f = n
		default:
			return nil, Malformed("normalize reading", fmt.Errorf("field %s: unsupported value %T", k, v))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, Malformed("normalize reading", fmt.Errorf("field %s: non-finite value", k))
		}
		out[k] = f
	}
	return out, nil
}

// Clone returns a shallow copy safe to hand to another goroutine.
func (r Reading) Clone() Reading {
	if r == nil {
		return nil
	}
	out := make(Reading, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TelemetryMessage is one sample or operator log sent from a node. Its
// identity is (NodeID, Time).
type TelemetryMessage struct {
	Kind   Kind
	NodeID string
	Time   time.Time
	Fields Reading
}

// Key identifies the message inside a storage collection.
func (m *TelemetryMessage) Key() string {
	return fmt.Sprintf("%s:%s:%d", m.Kind, m.NodeID, m.Time.UnixNano())
}

var reservedKeys = map[string]struct{}{
	"type":    {},
	"node_id": {},
	"hive_id": {},
	"time":    {},
}

// MarshalJSON flattens the reading next to the envelope keys.
func (m TelemetryMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["type"] = m.Kind
	out["node_id"] = m.NodeID
	out["time"] = EpochSeconds(m.Time)
	return json.Marshal(out)
}

// UnmarshalJSON parses the flat wire shape. Any deviation from the documented
// shape is reported as ErrMalformedPayload.
func (m *TelemetryMessage) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Malformed("decode message", err)
	}
	if raw == nil {
		return Malformed("decode message", fmt.Errorf("null message"))
	}

	kind, _ := raw["type"].(string)
	switch Kind(kind) {
	case KindSample, KindLog:
	default:
		return Malformed("decode message", fmt.Errorf("unsupported type %q", kind))
	}

	nodeID, _ := raw["node_id"].(string)
	if nodeID == "" {
		nodeID, _ = raw["hive_id"].(string)
	}
	if nodeID == "" {
		return Malformed("decode message", fmt.Errorf("node_id is required"))
	}

	num, ok := raw["time"].(json.Number)
	if !ok {
		return Malformed("decode message", fmt.Errorf("time must be epoch seconds"))
	}
	secs, err := num.Float64()
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return Malformed("decode message", fmt.Errorf("invalid time %q", num))
	}

	fields := make(Reading, len(raw))
	for k, v := range raw {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		switch val := v.(type) {
		case json.Number:
			f, err := val.Float64()
			if err != nil {
				return Malformed("decode message", fmt.Errorf("field %s: %w", k, err))
			}
			fields[k] = f
		case string:
			fields[k] = val
		default:
			return Malformed("decode message", fmt.Errorf("field %s: unsupported value %T", k, v))
		}
	}

	*m = TelemetryMessage{
		Kind:   Kind(kind),
		NodeID: nodeID,
		Time:   FromEpochSeconds(secs),
		Fields: fields,
	}
	return nil
}

// DecodeMessage parses one request payload.
func DecodeMessage(data []byte) (*TelemetryMessage, error) {
	var m TelemetryMessage
	if err := json.Unmarshal(data, &m); err != nil {
		if IsKind(err, KindMalformedPayload) {
			return nil, err
		}
		return nil, Malformed("decode message", err)
	}
	return &m, nil
}

// Estimates maps an estimator name to its predicted label or Unavailable.
type Estimates map[string]string

// Response is the single reply owed for every received request.
type Response struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"type"`
	Time       string    `json:"time"`
	Status     Status    `json:"status"`
	Estimators Estimates `json:"estimators,omitempty"`
	Degraded   []string  `json:"degraded,omitempty"`
}

// ResponseTimeLayout formats Response.Time.
const ResponseTimeLayout = "2006-01-02 15:04:05"

// BadResponse is the reply sent for a request that could not be processed.
func BadResponse(ts string) *Response {
	return &Response{Kind: KindResponse, Time: ts, Status: StatusBad}
}

// DecodeResponse parses a reply payload on the node side.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Malformed("decode response", err)
	}
	if r.Kind != KindResponse {
		return nil, Malformed("decode response", fmt.Errorf("unexpected type %q", r.Kind))
	}
	switch r.Status {
	case StatusOK, StatusBad:
	default:
		return nil, Malformed("decode response", fmt.Errorf("unexpected status %q", r.Status))
	}
	return &r, nil
}

// EpochSeconds renders t the way nodes put it on the wire.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds, rounded to the microsecond.
func FromEpochSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	nanos := math.Round(frac*1e6) * 1e3
	return time.Unix(int64(whole), int64(nanos)).UTC()
}
