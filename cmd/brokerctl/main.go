package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tokenbroker.org/internal/audit"
	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/config"
	"tokenbroker.org/internal/resourcetoken"
	"tokenbroker.org/internal/store/pg"
)

const usage = `usage: brokerctl [flags] <command>

commands:
  ensure-collection     create the configured collection if missing
  revoke <user>         delete the user's permission on the collection
  inspect <user>        print the claims of the user's current resource token`

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("brokerctl", pflag.ExitOnError)
	connection := flags.String("connection", os.Getenv(config.EnvStoreConnection), "store connection string")
	database := flags.String("database", os.Getenv(config.EnvDatabase), "database id")
	collection := flags.String("collection", os.Getenv(config.EnvCollection), "collection id")
	timeout := flags.Duration("timeout", 15*time.Second, "overall deadline")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}
	if *database == "" || *collection == "" {
		log.Fatal("database and collection are required")
	}
	conn, err := config.ParseConnectionString(*connection)
	if err != nil {
		log.Fatal(err)
	}
	if conn.IsMemory() {
		log.Fatal("brokerctl needs a PostgreSQL store")
	}
	signer, err := resourcetoken.NewSigner(conn.Key)
	if err != nil {
		log.Fatal(err)
	}
	store, err := pg.Open(conn.Endpoint, *database, *collection, signer)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, store, signer, *collection, flags.Args()); err != nil {
		log.Fatalf("%s: %v", flags.Arg(0), err)
	}
}

func run(ctx context.Context, store *pg.Store, signer *resourcetoken.Signer, collection string, args []string) error {
	switch args[0] {
	case "ensure-collection":
		coll, err := store.EnsureCollection(ctx)
		if err != nil {
			return err
		}
		fmt.Println(coll.SelfLink)
		return nil
	case "revoke":
		user, err := userArg(args)
		if err != nil {
			return err
		}
		permissionID := broker.PermissionID(user, collection)
		if err := store.RemovePermission(ctx, user, permissionID); err != nil {
			if errors.Is(err, broker.ErrNotFound) {
				return fmt.Errorf("no permission for %q", user)
			}
			return err
		}
		_ = audit.LogEvent(audit.WithUserID(ctx, user), "permission.revoked", map[string]any{
			"permission_id": permissionID,
			"collection":    store.CollectionLink(),
		})
		fmt.Println("revoked", permissionID)
		return nil
	case "inspect":
		user, err := userArg(args)
		if err != nil {
			return err
		}
		token, err := store.PermissionToken(ctx, user, broker.PermissionID(user, collection))
		if err != nil {
			return err
		}
		claims, err := signer.Verify(token)
		if err != nil {
			return fmt.Errorf("stored token does not verify: %w", err)
		}
		fmt.Printf("user:      %s\npermission: %s\nresource:  %s\npartition: %s\nmode:      %s\nexpires:   %s\n",
			claims.UserID, claims.PermissionID, claims.Resource, claims.PartitionKey, claims.Mode,
			claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func userArg(args []string) (string, error) {
	if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
		return "", fmt.Errorf("usage: brokerctl %s <user>", args[0])
	}
	return strings.TrimSpace(args[1]), nil
}
