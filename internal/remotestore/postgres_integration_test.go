package remotestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreCompareAndSwap(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	for _, codec := range []string{"none", "snappy", "lz4", "zstd"} {
		t.Run(codec, func(t *testing.T) {
			store, err := NewPostgresStore(dsn + postgresCodecSuffix(dsn, codec))
			if err != nil {
				t.Fatalf("new postgres store: %v", err)
			}
			store.tableName = postgresIntegrationTableName("paksync_documents_it")
			t.Cleanup(func() {
				_ = store.Close()
				postgresIntegrationDropTable(t, dsn, store.tableName)
			})
			ctx := context.Background()
			payload := make([]byte, 0x200)
			for i := range payload {
				payload[i] = byte(i % 7)
			}

			rev1, err := store.Put(ctx, "ND3EA4-CASTLEVANIA", testDocument(payload), "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := store.Put(ctx, "ND3EA4-CASTLEVANIA", testDocument(payload), ""); !isConflict(err) {
				t.Fatalf("expected conflict on duplicate create, got %v", err)
			}
			doc, err := store.Get(ctx, "ND3EA4-CASTLEVANIA")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if doc.Revision != rev1 || string(doc.Payload()) != string(payload) {
				t.Fatalf("unexpected document rev=%q payload=%d bytes", doc.Revision, len(doc.Payload()))
			}

			rev2, err := store.Put(ctx, "ND3EA4-CASTLEVANIA", testDocument([]byte{1}), rev1)
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if _, err := store.Put(ctx, "ND3EA4-CASTLEVANIA", testDocument([]byte{2}), rev1); !isConflict(err) {
				t.Fatalf("expected conflict on stale update, got %v", err)
			}
			refs, err := store.List(ctx)
			if err != nil || len(refs) != 1 || refs[0].Revision != rev2 {
				t.Fatalf("unexpected list %+v err=%v", refs, err)
			}
			if err := store.Delete(ctx, "ND3EA4-CASTLEVANIA", rev2); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.Delete(ctx, "ND3EA4-CASTLEVANIA", rev2); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound on second delete, got %v", err)
			}
		})
	}
}

func isConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

func postgresCodecSuffix(dsn, codec string) string {
	if strings.Contains(dsn, "?") {
		return "&codec=" + codec
	}
	return "?codec=" + codec
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PAKSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PAKSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
