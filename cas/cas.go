// Package cas derives content addresses for weave objects: BLAKE3 over a kind
// line followed by the canonical JSON of the payload.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"slices"
	"time"

	"lukechampine.com/blake3"
)

// ErrTrailingData is returned by DecodeJSON when the input holds more than
// one JSON value.
var ErrTrailingData = errors.New("trailing data after JSON value")

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// DecodeJSON unmarshals data into v, keeping numbers that land in interface
// values as json.Number. A hashed payload decoded this way re-encodes to the
// same literal it was hashed from, which float64 cannot promise above 2^53.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// CanonicalJSON encodes v with object keys sorted at every depth and numbers
// written as their literal text.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := DecodeJSON(data, &tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeCanonical walks a tree produced by DecodeJSON. Scalars fall through to
// json.Marshal, which writes json.Number verbatim.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		buf.WriteByte('{')
		for i, k := range slices.Sorted(maps.Keys(val)) {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, val)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// Blake3Hash returns the BLAKE3-256 digest of data.
func Blake3Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Blake3HashHex returns the hex BLAKE3-256 digest of data.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// ObjectID is blake3(kind + "\n" + CanonicalJSON(payload)).
func ObjectID(kind string, payload any) ([]byte, error) {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(kind)+1+len(body))
	data = append(data, kind...)
	data = append(data, '\n')
	data = append(data, body...)
	return Blake3Hash(data), nil
}

// ObjectIDHex is ObjectID in hex.
func ObjectIDHex(kind string, payload any) (string, error) {
	id, err := ObjectID(kind, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// ShortHash returns the first 12 hex characters of a hash, for log lines.
func ShortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
