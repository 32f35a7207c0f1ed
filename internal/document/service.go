package document

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tokenbroker.org/internal/ids"
)

// Backend persists documents. Access control happens in Service.
type Backend interface {
	PutDocument(ctx context.Context, doc Document) (Document, error)
	ListDocuments(ctx context.Context, docType, partitionKey string) ([]Document, error)
}

// Service exposes document upsert and query to holders of a resource token.
type Service struct {
	guard   *Guard
	backend Backend
}

func NewService(guard *Guard, backend Backend) *Service {
	return &Service{guard: guard, backend: backend}
}

// Upsert writes doc into the token's partition. A missing id is generated.
func (s *Service) Upsert(ctx context.Context, token string, doc Document) (Document, error) {
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	if _, err := s.guard.Authorize(ctx, token, doc.PartitionKey, true); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = ids.New()
	}
	return s.backend.PutDocument(ctx, doc)
}

// Query lists documents of docType in the token's partition.
func (s *Service) Query(ctx context.Context, token, docType, partitionKey string) ([]Document, error) {
	if err := (Document{Type: docType, PartitionKey: partitionKey}).Validate(); err != nil {
		return nil, err
	}
	if _, err := s.guard.Authorize(ctx, token, partitionKey, false); err != nil {
		return nil, err
	}
	return s.backend.ListDocuments(ctx, docType, partitionKey)
}

// MemoryBackend keeps documents in process memory. Like the pg store, an id is
// unique within its partition whatever the document type.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]Document)}
}

func memoryKey(partitionKey, id string) string {
	return partitionKey + "\x00" + id
}

func (m *MemoryBackend) PutDocument(ctx context.Context, doc Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Body = append([]byte(nil), doc.Body...)
	m.docs[memoryKey(doc.PartitionKey, doc.ID)] = doc
	return doc, nil
}

func (m *MemoryBackend) ListDocuments(ctx context.Context, docType, partitionKey string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Document{}
	for _, doc := range m.docs {
		if doc.Type == docType && doc.PartitionKey == partitionKey {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
