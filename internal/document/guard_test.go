package document

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/resourcetoken"
)

type fixture struct {
	store  *broker.InMemoryStore
	signer *resourcetoken.Signer
	guard  *Guard
	link   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := resourcetoken.NewSigner("account-key")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := broker.NewInMemoryStore("Tenants", "Dogs", broker.WithMinter(signer))
	link := broker.CollectionLink("Tenants", "Dogs")
	return &fixture{store: store, signer: signer, guard: NewGuard(signer, store, link), link: link}
}

func (f *fixture) grant(t *testing.T, user string, mode broker.PermissionMode) broker.Permission {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.CreateUser(ctx, user)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	perm, err := f.store.CreatePermission(ctx, u, broker.Permission{
		ID:           broker.PermissionID(user, "Dogs"),
		Mode:         mode,
		ResourceLink: f.link,
		PartitionKey: user,
	}, broker.RequestOptions{})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	return perm
}

func TestGuardAuthorize(t *testing.T) {
	f := newFixture(t)
	alice := f.grant(t, "alice", broker.PermissionModeAll)
	bob := f.grant(t, "bob", broker.PermissionModeRead)
	ctx := context.Background()

	cases := []struct {
		name      string
		token     string
		partition string
		write     bool
		want      error
	}{
		{name: "owner write", token: alice.Token, partition: "alice", write: true},
		{name: "read grant read", token: bob.Token, partition: "bob"},
		{name: "read grant write", token: bob.Token, partition: "bob", write: true, want: ErrForbidden},
		{name: "foreign partition", token: alice.Token, partition: "bob", want: ErrForbidden},
		{name: "garbage token", token: "nope", partition: "alice", want: ErrUnauthorized},
		{name: "empty token", token: "", partition: "alice", want: ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.guard.Authorize(ctx, tc.token, tc.partition, tc.write)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Authorize: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("Authorize = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGuardRejectsRevokedPermission(t *testing.T) {
	f := newFixture(t)
	perm := f.grant(t, "alice", broker.PermissionModeAll)
	ctx := context.Background()

	if err := f.store.RemovePermission(ctx, "alice", perm.ID); err != nil {
		t.Fatalf("RemovePermission: %v", err)
	}
	if _, err := f.guard.Authorize(ctx, perm.Token, "alice", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revocation, got %v", err)
	}
}

func TestGuardRejectsOtherCollection(t *testing.T) {
	f := newFixture(t)
	token, _, err := f.signer.Mint(resourcetoken.Claims{
		UserID: "alice", PermissionID: "p", Resource: "dbs/Tenants/colls/Cats",
		PartitionKey: "alice", Mode: broker.PermissionModeAll,
	}, 0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := f.guard.Authorize(context.Background(), token, "alice", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestServiceUpsertAndQuery(t *testing.T) {
	f := newFixture(t)
	perm := f.grant(t, "alice", broker.PermissionModeAll)
	svc := NewService(f.guard, NewMemoryBackend())
	ctx := context.Background()

	doc, err := (Envelope[Dog]{PartitionKey: "alice", Payload: Dog{Name: "Rex"}}).Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	saved, err := svc.Upsert(ctx, perm.Token, doc)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	docs, err := svc.Query(ctx, perm.Token, "Dog", "alice")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != saved.ID {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	env, err := Decode[Dog](docs[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Payload.Name != "Rex" {
		t.Fatalf("payload = %+v", env.Payload)
	}

	if _, err := svc.Query(ctx, perm.Token, "Dog", "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-partition query = %v", err)
	}
	if _, err := svc.Upsert(ctx, perm.Token, Document{Type: "Dog", Body: json.RawMessage(`{}`)}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("document without partition = %v", err)
	}
}

func TestMemoryBackendIDIsUniquePerPartition(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	put := func(doc Document) {
		t.Helper()
		if _, err := backend.PutDocument(ctx, doc); err != nil {
			t.Fatalf("PutDocument: %v", err)
		}
	}
	put(Document{ID: "1", Type: "Dog", PartitionKey: "alice", Body: json.RawMessage(`{"name":"Rex"}`)})
	put(Document{ID: "1", Type: "Dog", PartitionKey: "bob", Body: json.RawMessage(`{"name":"Fido"}`)})
	put(Document{ID: "1", Type: "Cat", PartitionKey: "alice", Body: json.RawMessage(`{"name":"Tom"}`)})

	list := func(docType, partitionKey string) []Document {
		t.Helper()
		docs, err := backend.ListDocuments(ctx, docType, partitionKey)
		if err != nil {
			t.Fatalf("ListDocuments: %v", err)
		}
		return docs
	}
	if dogs := list("Dog", "alice"); len(dogs) != 0 {
		t.Fatalf("replaced document still listed: %+v", dogs)
	}
	cats := list("Cat", "alice")
	if len(cats) != 1 || string(cats[0].Body) != `{"name":"Tom"}` {
		t.Fatalf("unexpected cats: %+v", cats)
	}
	if bobs := list("Dog", "bob"); len(bobs) != 1 {
		t.Fatalf("other partition affected: %+v", bobs)
	}
}
