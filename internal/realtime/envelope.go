package realtime

import (
	"encoding/json"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/ids"
)

// newEnvelope wraps a payload into a versioned wire envelope. Envelope ids are
// ULIDs so they sort by time in logs and traces.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: b,
	}
}
