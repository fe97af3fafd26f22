package product

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := NewRegistry(store, broker)
	t.Cleanup(r.Close)
	return r
}

func sqliteProduct(t *testing.T, endpoint string) types.Product {
	t.Helper()
	return types.Product{
		Endpoint: endpoint,
		Connection: types.ConnectionSpec{
			Driver: types.DriverSQLite,
			Path:   filepath.Join(t.TempDir(), endpoint+".sqlite"),
		},
	}
}

func TestAddCreatesSchemaOnFreshDatabase(t *testing.T) {
	r := testRegistry(t)

	h, err := r.Add(sqliteProduct(t, "web"))
	require.NoError(t, err)
	assert.Equal(t, types.SchemaStatusOK, h.Status())
	assert.Equal(t, "web", h.Product().DisplayName)

	rs, err := h.Result()
	require.NoError(t, err)
	plans, err := rs.ListPlans(true)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestAddRejectsBadEndpoints(t *testing.T) {
	r := testRegistry(t)

	for _, endpoint := range []string{"", "has space", "has/slash", "products", "tasks", "metrics"} {
		p := sqliteProduct(t, "x")
		p.Endpoint = endpoint
		_, err := r.Add(p)
		assert.ErrorIs(t, err, types.ErrInputMalformed, "endpoint %q", endpoint)
	}
}

func TestAddDuplicateEndpoint(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Add(sqliteProduct(t, "web"))
	require.NoError(t, err)
	_, err = r.Add(sqliteProduct(t, "web"))
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestForeignDatabaseIsNeverTouched(t *testing.T) {
	r := testRegistry(t)

	// A database that already holds unrelated tables must be classified
	// broken and left byte for byte as it was.
	p := sqliteProduct(t, "legacy")
	db, err := sqlx.Connect("sqlite3", p.Connection.Path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE invoices (id INTEGER PRIMARY KEY, total REAL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	before, err := os.ReadFile(p.Connection.Path)
	require.NoError(t, err)

	h, err := r.Add(p)
	require.NoError(t, err)
	assert.Equal(t, types.SchemaStatusBroken, h.Status())

	_, err = h.Result()
	assert.ErrorIs(t, err, types.ErrTransient)

	after, err := os.ReadFile(p.Connection.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveNeverDropsResultDatabase(t *testing.T) {
	r := testRegistry(t)
	p := sqliteProduct(t, "web")
	h, err := r.Add(p)
	require.NoError(t, err)

	rs, err := h.Result()
	require.NoError(t, err)
	_, err = rs.CreatePlan("keep-me", "", nil)
	require.NoError(t, err)

	require.NoError(t, r.Remove("web", time.Second))

	// The data outlives the product definition; re-adding finds it intact.
	h, err = r.Add(p)
	require.NoError(t, err)
	require.Equal(t, types.SchemaStatusOK, h.Status())
	rs, err = h.Result()
	require.NoError(t, err)
	plans, err := rs.ListPlans(true)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "keep-me", plans[0].Name)
}

func TestNewerSchemaIsBroken(t *testing.T) {
	r := testRegistry(t)
	p := sqliteProduct(t, "future")

	h, err := r.Add(p)
	require.NoError(t, err)
	require.Equal(t, types.SchemaStatusOK, h.Status())

	db, err := sqlx.Connect("sqlite3", p.Connection.Path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE result_schema_version SET version = ?`, ResultSchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	status, err := r.Reconnect("future")
	require.NoError(t, err)
	assert.Equal(t, types.SchemaStatusBroken, status)
}

func TestLoadAllAttachesDisconnectedProducts(t *testing.T) {
	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateProduct(types.Product{
		Endpoint: "gone",
		Connection: types.ConnectionSpec{
			Driver: types.DriverPostgres,
			Host:   "127.0.0.1", Port: 1, Database: "nope",
		},
		CreatedAt: time.Now().UTC(),
	}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := NewRegistry(store, broker)
	t.Cleanup(r.Close)
	require.NoError(t, r.LoadAll())

	h, err := r.Get("gone")
	require.NoError(t, err)
	assert.Equal(t, types.SchemaStatusDisconnected, h.Status())
	_, err = h.Result()
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestRemoveWaitsForReferences(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Add(sqliteProduct(t, "web"))
	require.NoError(t, err)

	h, err := r.Acquire("web")
	require.NoError(t, err)

	err = r.Remove("web", 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrConflict)

	// The failed removal must not leave the product refusing new requests.
	h2, err := r.Acquire("web")
	require.NoError(t, err)
	r.Release(h2)

	r.Release(h)
	require.NoError(t, r.Remove("web", time.Second))
	_, err = r.Get("web")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAcquireDuringRemovalIsRefused(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Add(sqliteProduct(t, "web"))
	require.NoError(t, err)

	h, err := r.Acquire("web")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Remove("web", 2*time.Second) }()

	// Wait until the drain marks the handle removing.
	require.Eventually(t, func() bool {
		_, err := r.Acquire("web")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	r.Release(h)
	require.NoError(t, <-done)
}

func TestEditReconnectsOnConnectionChange(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Add(sqliteProduct(t, "web"))
	require.NoError(t, err)

	name := "Renamed"
	h, err := r.Edit("web", types.ProductPatch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", h.Product().DisplayName)
	assert.Equal(t, types.SchemaStatusOK, h.Status())

	conn := types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "moved.sqlite"),
	}
	h, err = r.Edit("web", types.ProductPatch{Connection: &conn})
	require.NoError(t, err)
	assert.Equal(t, types.SchemaStatusOK, h.Status())
	assert.Equal(t, conn.Path, h.Product().Connection.Path)
}

func TestListIsSortedAndIsolated(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Add(sqliteProduct(t, "zeta"))
	require.NoError(t, err)
	_, err = r.Add(sqliteProduct(t, "alpha"))
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Endpoint)
	assert.Equal(t, "zeta", list[1].Endpoint)

	// A plan created in one product must not show up in the other.
	ha, err := r.Get("alpha")
	require.NoError(t, err)
	rsa, err := ha.Result()
	require.NoError(t, err)
	_, err = rsa.CreatePlan("spring-cleaning", "", nil)
	require.NoError(t, err)

	hz, err := r.Get("zeta")
	require.NoError(t, err)
	rsz, err := hz.Result()
	require.NoError(t, err)
	plans, err := rsz.ListPlans(true)
	require.NoError(t, err)
	assert.Empty(t, plans)
}
