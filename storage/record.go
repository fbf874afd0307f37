package storage

import (
	"encoding/json"
	"fmt"
)

const (
	recordVer  = 1
	schemeJSON = "plain-json"
)

// Record is a stored document. Data holds the JSON encoding of the domain
// value; Version is the optimistic-concurrency counter checked by PutCAS.
type Record struct {
	Ver     int    `json:"ver"`
	Scheme  string `json:"scheme"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Encode marshals v into a new Record carrying the given version.
func Encode(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{
		Ver:     recordVer,
		Scheme:  schemeJSON,
		Data:    data,
		Version: version,
	}, nil
}

// Decode unmarshals the record's data into v.
func (r *Record) Decode(v any) error {
	if r.Ver != recordVer {
		return fmt.Errorf("unsupported record version: %d", r.Ver)
	}
	if r.Scheme != schemeJSON {
		return fmt.Errorf("unsupported record scheme: %s", r.Scheme)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Scheme:  r.Scheme,
		Data:    append([]byte(nil), r.Data...),
		Version: r.Version,
	}
}
