//go:build integration

package ledger

import (
	"testing"

	"github.com/paynest/escrowd/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}
