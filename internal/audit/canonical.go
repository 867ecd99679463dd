package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/auditchain/go-core/pkg/types"
)

// canonicalMagic prefixes every hash input so that inputs of different
// layouts can never collide.
const canonicalMagic = "auditchain.record"

// The canonical encoding is a tagged, length-prefixed byte stream:
//
//	n                       null
//	b0 / b1                 bool
//	i<digits>;              integer (any numeric value with no fractional part)
//	f<repr>;                float, shortest round-trip representation
//	s<len>:<bytes>          string
//	l<count>:<items...>e    list
//	m<count>:<k v ...>e     map, keys sorted bytewise
//
// Integral floats encode as integers so a value survives a JSON round trip
// through any store with an identical encoding.
type canonicalEncoder struct {
	buf bytes.Buffer
}

func (c *canonicalEncoder) field(name string, v interface{}) error {
	c.writeString(name)
	return c.value(v)
}

func (c *canonicalEncoder) writeString(s string) {
	c.buf.WriteByte('s')
	c.buf.WriteString(strconv.Itoa(len(s)))
	c.buf.WriteByte(':')
	c.buf.WriteString(s)
}

func (c *canonicalEncoder) writeInt(s string) {
	c.buf.WriteByte('i')
	c.buf.WriteString(s)
	c.buf.WriteByte(';')
}

func (c *canonicalEncoder) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < (1<<63) {
		c.writeInt(strconv.FormatInt(int64(f), 10))
		return nil
	}
	c.buf.WriteByte('f')
	c.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	c.buf.WriteByte(';')
	return nil
}

func (c *canonicalEncoder) value(v interface{}) error {
	switch val := v.(type) {
	case nil:
		c.buf.WriteByte('n')
	case bool:
		if val {
			c.buf.WriteString("b1")
		} else {
			c.buf.WriteString("b0")
		}
	case string:
		c.writeString(val)
	case json.Number:
		if i, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			c.writeInt(strconv.FormatInt(i, 10))
			return nil
		}
		if u, err := strconv.ParseUint(val.String(), 10, 64); err == nil {
			c.writeInt(strconv.FormatUint(u, 10))
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return c.writeFloat(f)
	case int:
		c.writeInt(strconv.FormatInt(int64(val), 10))
	case int32:
		c.writeInt(strconv.FormatInt(int64(val), 10))
	case int64:
		c.writeInt(strconv.FormatInt(val, 10))
	case uint:
		c.writeInt(strconv.FormatUint(uint64(val), 10))
	case uint32:
		c.writeInt(strconv.FormatUint(uint64(val), 10))
	case uint64:
		c.writeInt(strconv.FormatUint(val, 10))
	case float32:
		return c.writeFloat(float64(val))
	case float64:
		return c.writeFloat(val)
	case []string:
		c.buf.WriteByte('l')
		c.buf.WriteString(strconv.Itoa(len(val)))
		c.buf.WriteByte(':')
		for _, s := range val {
			c.writeString(s)
		}
		c.buf.WriteByte('e')
	case []interface{}:
		c.buf.WriteByte('l')
		c.buf.WriteString(strconv.Itoa(len(val)))
		c.buf.WriteByte(':')
		for _, item := range val {
			if err := c.value(item); err != nil {
				return err
			}
		}
		c.buf.WriteByte('e')
	case map[string]interface{}:
		if val == nil {
			c.buf.WriteByte('n')
			return nil
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.buf.WriteByte('m')
		c.buf.WriteString(strconv.Itoa(len(keys)))
		c.buf.WriteByte(':')
		for _, k := range keys {
			c.writeString(k)
			if err := c.value(val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		c.buf.WriteByte('e')
	default:
		return fmt.Errorf("unsupported value type %s", reflect.TypeOf(v))
	}
	return nil
}

// canonicalRecord returns the hash input for rec. The field list is fixed;
// record_hash is never part of it and previousHash replaces rec.PreviousHash.
func canonicalRecord(rec *types.AuditRecord, previousHash string) ([]byte, error) {
	c := &canonicalEncoder{}
	c.writeString(canonicalMagic)

	fields := []struct {
		name  string
		value interface{}
	}{
		{"schema_version", rec.SchemaVersion},
		{"hash_algorithm", rec.HashAlgorithm},
		{"chain_id", rec.ChainID},
		{"event_id", rec.EventID},
		{"sequence", rec.Sequence},
		{"timestamp", rec.Timestamp.UTC().Format(types.TimestampLayout)},
		{"actor.user_id", rec.Actor.UserID},
		{"actor.session_id", rec.Actor.SessionID},
		{"actor.source_ip", rec.Actor.SourceIP},
		{"action", rec.Action},
		{"entity_type", rec.EntityType},
		{"entity_id", rec.EntityID},
		{"before_state", rec.BeforeState},
		{"after_state", rec.AfterState},
		{"changed_fields", nonNilStrings(rec.ChangedFields)},
		{"metadata", rec.Metadata},
		{"previous_hash", previousHash},
	}

	for _, f := range fields {
		if err := c.field(f.name, f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.name, err)
		}
	}
	return c.buf.Bytes(), nil
}

// canonicalValue encodes a single value; used for snapshot diffs and payload comparison
func canonicalValue(v interface{}) ([]byte, error) {
	c := &canonicalEncoder{}
	if err := c.value(v); err != nil {
		return nil, err
	}
	return c.buf.Bytes(), nil
}

// canonicalPayload encodes what identifies a logical event. Two submissions
// with the same event_id are the same event only if their payloads encode
// identically. The actor's session and source address describe the
// submitting connection, which may change between retries, so they are not
// part of it.
func canonicalPayload(rec *types.AuditRecord) ([]byte, error) {
	c := &canonicalEncoder{}
	fields := []struct {
		name  string
		value interface{}
	}{
		{"actor.user_id", rec.Actor.UserID},
		{"action", rec.Action},
		{"entity_type", rec.EntityType},
		{"entity_id", rec.EntityID},
		{"before_state", rec.BeforeState},
		{"after_state", rec.AfterState},
		{"metadata", rec.Metadata},
	}
	for _, f := range fields {
		if err := c.field(f.name, f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.name, err)
		}
	}
	return c.buf.Bytes(), nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// normalizeJSONMap converts arbitrary caller values into the JSON data model
// (map[string]interface{}, []interface{}, json.Number, string, bool, nil) so
// that the hashed representation is exactly what every store reads back.
func normalizeJSONMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return decodeJSONMap(data)
}

// decodeJSONMap decodes a JSON object preserving numbers as json.Number.
// The literal null decodes to a nil map.
func decodeJSONMap(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
