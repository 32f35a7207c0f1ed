// Package document holds the partition-scoped documents clients read and write with a
// resource token.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalid      = errors.New("document: invalid document")
	ErrNotObject    = errors.New("document: body must be a JSON object")
	ErrTypeMismatch = errors.New("document: type mismatch")
	ErrUnnamedType  = errors.New("document: payload type has no name")
	ErrUnauthorized = errors.New("document: resource token rejected")
	ErrForbidden    = errors.New("document: access outside granted scope")
)

// Reserved keys injected into every serialized document.
const (
	KeyID           = "id"
	KeyType         = "type"
	KeyPartitionKey = "partitionKey"
)

// Document is the untyped form of a stored document. Body carries the payload fields
// without the reserved keys.
type Document struct {
	ID           string
	Type         string
	PartitionKey string
	Body         json.RawMessage
}

// Validate checks the fields a backend needs to place the document.
func (d Document) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if strings.TrimSpace(d.PartitionKey) == "" {
		return fmt.Errorf("%w: partition key is required", ErrInvalid)
	}
	return nil
}

// MarshalJSON flattens the body and injects the reserved keys. Reserved keys present in
// the body are overwritten.
func (d Document) MarshalJSON() ([]byte, error) {
	fields, err := objectFields(d.Body)
	if err != nil {
		return nil, err
	}
	for key, value := range map[string]string{KeyID: d.ID, KeyType: d.Type, KeyPartitionKey: d.PartitionKey} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[key] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON splits the reserved keys out of a flat JSON object.
func (d *Document) UnmarshalJSON(data []byte) error {
	fields, err := objectFields(data)
	if err != nil {
		return err
	}
	out := Document{}
	for key, dst := range map[string]*string{KeyID: &out.ID, KeyType: &out.Type, KeyPartitionKey: &out.PartitionKey} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: field %q: %w", ErrInvalid, key, err)
		}
		delete(fields, key)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	out.Body = body
	*d = out
	return nil
}

func objectFields(data []byte) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return fields, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrNotObject
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotObject, err)
	}
	return fields, nil
}
