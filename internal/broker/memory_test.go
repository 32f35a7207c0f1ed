package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStoreNotFoundAndConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore("db", "coll")

	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser on empty store = %v", err)
	}
	u, err := s.CreateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, "u1"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreateUser = %v", err)
	}
	if _, err := s.GetPermission(ctx, u, "p1", RequestOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPermission on empty store = %v", err)
	}
	if _, err := s.CreatePermission(ctx, User{ID: "ghost"}, Permission{ID: "p1"}, RequestOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreatePermission for unknown user = %v", err)
	}
	if _, err := s.CreatePermission(ctx, u, Permission{ID: "p1"}, RequestOptions{}); err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if _, err := s.CreatePermission(ctx, u, Permission{ID: "p1"}, RequestOptions{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreatePermission = %v", err)
	}
	if err := s.RemovePermission(ctx, "u1", "p1"); err != nil {
		t.Fatalf("RemovePermission: %v", err)
	}
	if err := s.RemovePermission(ctx, "u1", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemovePermission = %v", err)
	}
}

func TestInMemoryStoreRefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewInMemoryStore("db", "coll", WithStoreClock(clock.Now))
	u, _ := s.CreateUser(ctx, "u1")
	opts := RequestOptions{TokenExpirySeconds: 60}

	created, err := s.CreatePermission(ctx, u, Permission{ID: "p1"}, opts)
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if !created.TokenExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("token expiry = %v", created.TokenExpiresAt)
	}

	clock.Advance(30 * time.Second)
	fetched, err := s.GetPermission(ctx, u, "p1", opts)
	if err != nil {
		t.Fatalf("GetPermission: %v", err)
	}
	if fetched.Token != created.Token {
		t.Fatal("valid token was replaced")
	}

	clock.Advance(time.Minute)
	refreshed, err := s.GetPermission(ctx, u, "p1", opts)
	if err != nil {
		t.Fatalf("GetPermission: %v", err)
	}
	if refreshed.Token == created.Token {
		t.Fatal("expired token was not refreshed")
	}
	if !refreshed.TokenExpiresAt.After(clock.Now()) {
		t.Fatalf("refreshed token already expired: %v", refreshed.TokenExpiresAt)
	}
}

func TestInMemoryStoreCollection(t *testing.T) {
	s := NewInMemoryStore("Tenants", "Orders")
	coll, err := s.GetCollection(context.Background())
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if coll.ID != "Orders" || coll.SelfLink != "dbs/Tenants/colls/Orders" || coll.ResourceID == "" {
		t.Fatalf("unexpected collection: %+v", coll)
	}
}

func TestInMemoryStorePermissionToken(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore("db", "coll")
	u, _ := s.CreateUser(ctx, "u1")
	perm, err := s.CreatePermission(ctx, u, Permission{ID: "p1"}, RequestOptions{})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	tok, err := s.PermissionToken(ctx, "u1", "p1")
	if err != nil || tok != perm.Token {
		t.Fatalf("PermissionToken = %q, %v", tok, err)
	}
	if _, err := s.PermissionToken(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
