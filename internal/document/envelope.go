package document

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Envelope wraps a payload with the metadata every stored document carries. The type
// discriminator is the Go type name of T.
type Envelope[T any] struct {
	ID           string
	PartitionKey string
	Payload      T
}

// TypeName returns the discriminator used for payloads of type T.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Document converts the envelope to its untyped form.
func (e Envelope[T]) Document() (Document, error) {
	typ := TypeName[T]()
	if typ == "" {
		return Document{}, ErrUnnamedType
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return Document{}, fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := objectFields(body); err != nil {
		return Document{}, err
	}
	return Document{ID: e.ID, Type: typ, PartitionKey: e.PartitionKey, Body: body}, nil
}

func (e Envelope[T]) MarshalJSON() ([]byte, error) {
	doc, err := e.Document()
	if err != nil {
		return nil, err
	}
	return doc.MarshalJSON()
}

func (e *Envelope[T]) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := Decode[T](doc)
	if err != nil {
		return err
	}
	*e = out
	return nil
}

// Decode reads a typed envelope from doc. A document without a type is accepted.
func Decode[T any](doc Document) (Envelope[T], error) {
	if want := TypeName[T](); doc.Type != "" && doc.Type != want {
		return Envelope[T]{}, fmt.Errorf("%w: have %q, want %q", ErrTypeMismatch, doc.Type, want)
	}
	var payload T
	if len(doc.Body) > 0 {
		if err := json.Unmarshal(doc.Body, &payload); err != nil {
			return Envelope[T]{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return Envelope[T]{ID: doc.ID, PartitionKey: doc.PartitionKey, Payload: payload}, nil
}
