package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/types"
)

func testAuth(t *testing.T, cfg config.AuthConfig) (*Authenticator, *configstore.Store) {
	t.Helper()
	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, cfg), store
}

func hashOf(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func enabledConfig(t *testing.T) config.AuthConfig {
	return config.AuthConfig{
		Enabled:            true,
		SessionIdleTimeout: config.Duration(time.Hour),
		SessionMaxLifetime: config.Duration(24 * time.Hour),
		Accounts: []config.Account{
			{Username: "alice", PasswordHash: hashOf(t, "secret"), Groups: []string{"devs"}},
			{Username: "bob", PasswordHash: hashOf(t, "hunter2")},
		},
	}
}

func TestLogin(t *testing.T) {
	a, _ := testAuth(t, enabledConfig(t))

	sess, err := a.Login("alice", "secret")
	require.NoError(t, err)
	assert.Len(t, sess.ID, 32)
	assert.Equal(t, "alice", sess.Username)

	_, err = a.Login("alice", "wrong")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, err = a.Login("nobody", "secret")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestIdentityFromSession(t *testing.T) {
	a, _ := testAuth(t, enabledConfig(t))
	sess, err := a.Login("alice", "secret")
	require.NoError(t, err)

	id, err := a.IdentityFromSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, []string{"devs"}, id.Groups)
	assert.False(t, id.Synthetic)

	_, err = a.IdentityFromSession("deadbeef")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	require.NoError(t, a.Logout(sess.ID))
	_, err = a.IdentityFromSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	// Logging out twice is fine.
	assert.NoError(t, a.Logout(sess.ID))
}

func TestSessionSlidingExpiry(t *testing.T) {
	a, store := testAuth(t, enabledConfig(t))
	base := time.Now().UTC()
	a.now = func() time.Time { return base }

	sess, err := a.Login("alice", "secret")
	require.NoError(t, err)

	// Activity 50 minutes in pushes the idle deadline out.
	a.now = func() time.Time { return base.Add(50 * time.Minute) }
	_, err = a.IdentityFromSession(sess.ID)
	require.NoError(t, err)

	// 100 minutes in the session is still alive only because it was touched.
	a.now = func() time.Time { return base.Add(100 * time.Minute) }
	_, err = a.IdentityFromSession(sess.ID)
	require.NoError(t, err)

	// Left idle past the timeout it expires and is removed.
	a.now = func() time.Time { return base.Add(100*time.Minute + 61*time.Minute) }
	_, err = a.IdentityFromSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
	_, err = store.GetSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSessionAbsoluteLifetime(t *testing.T) {
	cfg := enabledConfig(t)
	cfg.SessionMaxLifetime = config.Duration(2 * time.Hour)
	a, _ := testAuth(t, cfg)
	base := time.Now().UTC()
	a.now = func() time.Time { return base }

	sess, err := a.Login("alice", "secret")
	require.NoError(t, err)

	// Constant activity cannot extend a session past the absolute cap.
	for m := 30; m <= 115; m += 15 {
		offset := time.Duration(m) * time.Minute
		a.now = func() time.Time { return base.Add(offset) }
		_, err = a.IdentityFromSession(sess.ID)
		require.NoError(t, err)
	}

	a.now = func() time.Time { return base.Add(121 * time.Minute) }
	_, err = a.IdentityFromSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestDisabledAuthGivesSyntheticSuperuser(t *testing.T) {
	a, _ := testAuth(t, config.AuthConfig{Enabled: false})

	id, err := a.IdentityFromSession("")
	require.NoError(t, err)
	assert.True(t, id.Synthetic)
	assert.Equal(t, "anonymous", id.Username)

	ok, err := a.HasPermission(id, types.PermSuperuser, "")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.HasPermission(id, types.PermProductAdmin, "web")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPermissionImplications(t *testing.T) {
	a, store := testAuth(t, enabledConfig(t))
	require.NoError(t, store.AddGrant(types.PermissionGrant{
		Permission: types.PermProductStore, ProductEndpoint: "web", Grantee: "alice",
	}))

	id := types.Identity{Username: "alice", Groups: []string{"devs"}}

	// STORE implies VIEW but not ACCESS or ADMIN.
	perms, err := a.Permissions(id, "web")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Permission{
		types.PermProductStore, types.PermProductView,
	}, perms)

	require.NoError(t, store.AddGrant(types.PermissionGrant{
		Permission: types.PermProductAdmin, ProductEndpoint: "web", Grantee: "devs", IsGroup: true,
	}))
	perms, err = a.Permissions(id, "web")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Permission{
		types.PermProductAdmin, types.PermProductAccess,
		types.PermProductStore, types.PermProductView,
	}, perms)

	// No spill-over onto other products.
	perms, err = a.Permissions(id, "other")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestSuperuserSubsumesProductScopes(t *testing.T) {
	a, store := testAuth(t, enabledConfig(t))
	require.NoError(t, store.AddGrant(types.PermissionGrant{
		Permission: types.PermSuperuser, Grantee: "bob",
	}))

	id := types.Identity{Username: "bob"}

	perms, err := a.Permissions(id, "")
	require.NoError(t, err)
	assert.Equal(t, []types.Permission{types.PermSuperuser}, perms)

	ok, err := a.HasPermission(id, types.PermProductStore, "any-product")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	a, _ := testAuth(t, enabledConfig(t))
	base := time.Now().UTC()
	a.now = func() time.Time { return base }

	sess, err := a.Login("alice", "secret")
	require.NoError(t, err)

	n, err := a.PurgeExpired()
	require.NoError(t, err)
	assert.Zero(t, n)

	a.now = func() time.Time { return base.Add(48 * time.Hour) }
	n, err = a.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.IdentityFromSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}
