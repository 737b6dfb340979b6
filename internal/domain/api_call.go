package domain

import (
	"encoding/json"
	"time"
)

// APICallRecord is one attempted remote call. Records are never mutated after
// they are appended to the diagnostic log.
type APICallRecord struct {
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Failed returns true if the call carries an error marker.
func (r APICallRecord) Failed() bool {
	return r.Error != ""
}

// Clone returns a copy that shares no memory with r.
func (r APICallRecord) Clone() APICallRecord {
	r.Request = cloneRaw(r.Request)
	r.Response = cloneRaw(r.Response)
	return r
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
