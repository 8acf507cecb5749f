package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/converge/pkg/stores"
)

func openMemoryStore(ctx context.Context) *stores.SQLiteStore {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	return store
}

func ExampleNewSQLiteStore() {
	ctx := context.Background()
	store := openMemoryStore(ctx)
	defer store.Close()

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(runs), "runs")
	// Output: 0 runs
}

// Backups are addressed by checksum or any unique checksum prefix.
func ExampleSQLiteStore_Backup() {
	ctx := context.Background()
	store := openMemoryStore(ctx)
	defer store.Close()

	sum, err := store.Backup(ctx, "alice", []byte("0 * * * * /bin/true\n"))
	if err != nil {
		log.Fatal(err)
	}

	backup, err := store.GetBackup(ctx, sum[:12])
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(backup.Target, backup.Size)
	// Output: alice 20
}
