package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/document"
	"tokenbroker.org/internal/ids"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store is the PostgreSQL permission store. One Store serves one database and one
// collection.
type Store struct {
	db         *sql.DB
	database   string
	collection string
	minter     broker.Minter
	retry      RetryPolicy
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

var (
	_ broker.Store              = (*Store)(nil)
	_ document.Backend          = (*Store)(nil)
	_ document.PermissionLookup = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Store) { s.sleep = fn }
}

// Open connects to PostgreSQL using the pgx driver.
func Open(dsn, database, collection string, minter broker.Minter, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s, err := New(db, database, collection, minter, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sql.DB, database, collection string, minter broker.Minter, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("pg: db is required")
	}
	if minter == nil {
		return nil, errors.New("pg: token minter is required")
	}
	database, collection = strings.TrimSpace(database), strings.TrimSpace(collection)
	if database == "" || collection == "" {
		return nil, errors.New("pg: database and collection are required")
	}
	s := &Store{
		db:         db,
		database:   database,
		collection: collection,
		minter:     minter,
		retry:      DefaultRetryPolicy(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CollectionLink is the resource reference of the configured collection.
func (s *Store) CollectionLink() string { return broker.CollectionLink(s.database, s.collection) }

// classify maps driver errors onto the broker's control signals.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, broker.ErrNotFound)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", what, broker.ErrAlreadyExists)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", what, broker.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) GetUser(ctx context.Context, id string) (broker.User, error) {
	user := broker.User{ID: id}
	err := s.withRetry(ctx, "get_user", func() error {
		return s.db.QueryRowContext(ctx, `
			select resource_id, created_at
			from broker_users
			where database_id = $1 and id = $2
		`, s.database, id).Scan(&user.ResourceID, &user.CreatedAt)
	})
	if err != nil {
		return broker.User{}, classify(err, fmt.Sprintf("user %q", id))
	}
	return user, nil
}

func (s *Store) CreateUser(ctx context.Context, id string) (broker.User, error) {
	user := broker.User{ID: id, ResourceID: ids.New(), CreatedAt: s.now().UTC()}
	err := s.withRetry(ctx, "create_user", func() error {
		_, err := s.db.ExecContext(ctx, `
			insert into broker_users (database_id, id, resource_id, created_at)
			values ($1, $2, $3, $4)
		`, s.database, id, user.ResourceID, user.CreatedAt)
		return err
	})
	if err != nil {
		return broker.User{}, classify(err, fmt.Sprintf("user %q", id))
	}
	return user, nil
}

const selectPermission = `
	select mode, resource_link, partition_key, token, token_expires_at, created_at, updated_at
	from broker_permissions
	where database_id = $1 and user_id = $2 and id = $3
`

func (s *Store) readPermission(ctx context.Context, userID, permissionID string) (broker.Permission, error) {
	perm := broker.Permission{ID: permissionID, UserID: userID}
	var mode string
	err := s.withRetry(ctx, "get_permission", func() error {
		return s.db.QueryRowContext(ctx, selectPermission, s.database, userID, permissionID).Scan(
			&mode, &perm.ResourceLink, &perm.PartitionKey, &perm.Token,
			&perm.TokenExpiresAt, &perm.CreatedAt, &perm.UpdatedAt,
		)
	})
	if err != nil {
		return broker.Permission{}, classify(err, fmt.Sprintf("permission %q", permissionID))
	}
	perm.Mode = broker.PermissionMode(mode)
	return perm, nil
}

// GetPermission returns the permission with its current token. An expired token is
// replaced with a fresh one valid for the requested lifetime.
func (s *Store) GetPermission(ctx context.Context, user broker.User, permissionID string, opts broker.RequestOptions) (broker.Permission, error) {
	perm, err := s.readPermission(ctx, user.ID, permissionID)
	if err != nil {
		return broker.Permission{}, err
	}
	now := s.now()
	if perm.Token != "" && now.Before(perm.TokenExpiresAt) {
		return perm, nil
	}

	token, expires, err := s.minter.MintPermission(perm, tokenExpiry(opts))
	if err != nil {
		return broker.Permission{}, fmt.Errorf("mint token: %w", err)
	}
	var affected int64
	err = s.withRetry(ctx, "refresh_permission", func() error {
		res, err := s.db.ExecContext(ctx, `
			update broker_permissions
			set token = $4, token_expires_at = $5, updated_at = $6
			where database_id = $1 and user_id = $2 and id = $3 and token = $7
		`, s.database, user.ID, permissionID, token, expires, now.UTC(), perm.Token)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return broker.Permission{}, classify(err, fmt.Sprintf("permission %q", permissionID))
	}
	if affected == 0 {
		// A concurrent request refreshed or removed it first; return whatever is live.
		return s.readPermission(ctx, user.ID, permissionID)
	}
	perm.Token, perm.TokenExpiresAt, perm.UpdatedAt = token, expires, now.UTC()
	return perm, nil
}

func (s *Store) CreatePermission(ctx context.Context, user broker.User, perm broker.Permission, opts broker.RequestOptions) (broker.Permission, error) {
	perm.UserID = user.ID
	if perm.Mode == "" {
		perm.Mode = broker.PermissionModeAll
	}
	token, expires, err := s.minter.MintPermission(perm, tokenExpiry(opts))
	if err != nil {
		return broker.Permission{}, fmt.Errorf("mint token: %w", err)
	}
	now := s.now().UTC()
	perm.Token, perm.TokenExpiresAt = token, expires
	perm.CreatedAt, perm.UpdatedAt = now, now

	err = s.withRetry(ctx, "create_permission", func() error {
		_, err := s.db.ExecContext(ctx, `
			insert into broker_permissions
				(database_id, user_id, id, mode, resource_link, partition_key, token, token_expires_at, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		`, s.database, user.ID, perm.ID, string(perm.Mode), perm.ResourceLink, perm.PartitionKey,
			perm.Token, perm.TokenExpiresAt, now)
		return err
	})
	if err != nil {
		return broker.Permission{}, classify(err, fmt.Sprintf("permission %q", perm.ID))
	}
	return perm, nil
}

// PermissionToken returns the stored token without refreshing it.
func (s *Store) PermissionToken(ctx context.Context, userID, permissionID string) (string, error) {
	var token string
	err := s.withRetry(ctx, "permission_token", func() error {
		return s.db.QueryRowContext(ctx, `
			select token from broker_permissions
			where database_id = $1 and user_id = $2 and id = $3
		`, s.database, userID, permissionID).Scan(&token)
	})
	if err != nil {
		return "", classify(err, fmt.Sprintf("permission %q", permissionID))
	}
	return token, nil
}

// RemovePermission deletes a permission, revoking every token minted for it.
func (s *Store) RemovePermission(ctx context.Context, userID, permissionID string) error {
	var affected int64
	err := s.withRetry(ctx, "remove_permission", func() error {
		res, err := s.db.ExecContext(ctx, `
			delete from broker_permissions
			where database_id = $1 and user_id = $2 and id = $3
		`, s.database, userID, permissionID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return classify(err, fmt.Sprintf("permission %q", permissionID))
	}
	if affected == 0 {
		return fmt.Errorf("permission %q: %w", permissionID, broker.ErrNotFound)
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context) (broker.Collection, error) {
	coll := broker.Collection{ID: s.collection}
	err := s.withRetry(ctx, "get_collection", func() error {
		return s.db.QueryRowContext(ctx, `
			select resource_id, self_link, created_at
			from broker_collections
			where database_id = $1 and id = $2
		`, s.database, s.collection).Scan(&coll.ResourceID, &coll.SelfLink, &coll.CreatedAt)
	})
	if err != nil {
		return broker.Collection{}, classify(err, fmt.Sprintf("collection %q", s.collection))
	}
	return coll, nil
}

// EnsureCollection creates the collection record if it is missing and returns it.
func (s *Store) EnsureCollection(ctx context.Context) (broker.Collection, error) {
	err := s.withRetry(ctx, "ensure_collection", func() error {
		_, err := s.db.ExecContext(ctx, `
			insert into broker_collections (database_id, id, resource_id, self_link, created_at)
			values ($1, $2, $3, $4, $5)
			on conflict (database_id, id) do nothing
		`, s.database, s.collection, ids.New(), s.CollectionLink(), s.now().UTC())
		return err
	})
	if err != nil {
		return broker.Collection{}, classify(err, fmt.Sprintf("collection %q", s.collection))
	}
	return s.GetCollection(ctx)
}

// PutDocument inserts or replaces a document in its partition.
func (s *Store) PutDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	body := string(doc.Body)
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	err := s.withRetry(ctx, "put_document", func() error {
		_, err := s.db.ExecContext(ctx, `
			insert into broker_documents (collection_link, partition_key, id, doc_type, body, updated_at)
			values ($1, $2, $3, $4, $5::jsonb, $6)
			on conflict (collection_link, partition_key, id)
			do update set doc_type = excluded.doc_type, body = excluded.body, updated_at = excluded.updated_at
		`, s.CollectionLink(), doc.PartitionKey, doc.ID, doc.Type, body, s.now().UTC())
		return err
	})
	if err != nil {
		return document.Document{}, classify(err, fmt.Sprintf("document %q", doc.ID))
	}
	doc.Body = []byte(body)
	return doc, nil
}

// ListDocuments returns the documents of one type in a partition, ordered by id.
func (s *Store) ListDocuments(ctx context.Context, docType, partitionKey string) ([]document.Document, error) {
	var out []document.Document
	err := s.withRetry(ctx, "list_documents", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			select id, body
			from broker_documents
			where collection_link = $1 and partition_key = $2 and doc_type = $3
			order by id
		`, s.CollectionLink(), partitionKey, docType)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			doc := document.Document{Type: docType, PartitionKey: partitionKey}
			var body []byte
			if err := rows.Scan(&doc.ID, &body); err != nil {
				return err
			}
			doc.Body = body
			out = append(out, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "list documents")
	}
	if out == nil {
		out = []document.Document{}
	}
	return out, nil
}

func tokenExpiry(opts broker.RequestOptions) time.Duration {
	if opts.TokenExpirySeconds <= 0 {
		return broker.DefaultTokenExpiry
	}
	return time.Duration(opts.TokenExpirySeconds) * time.Second
}
