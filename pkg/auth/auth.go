package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/types"
)

// Authenticator validates credentials and resolves sessions to identities
type Authenticator struct {
	store *configstore.Store
	cfg   config.AuthConfig
	log   zerolog.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates an Authenticator backed by the configuration store
func New(store *configstore.Store, cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		store: store,
		cfg:   cfg,
		log:   log.WithComponent("auth"),
		now:   time.Now,
	}
}

// Enabled reports whether authentication is enforced
func (a *Authenticator) Enabled() bool {
	return a.cfg.Enabled
}

// Login validates a username/password pair and mints a new session.
// Credential failures are reported as ErrUnauthenticated without detail.
func (a *Authenticator) Login(username, password string) (types.Session, error) {
	acct, ok := a.account(username)
	if !ok {
		// burn a hash comparison so missing and wrong-password logins
		// take comparable time
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return types.Session{}, fmt.Errorf("%w: invalid credentials", types.ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		l := log.WithActor(a.log, username)
		l.Warn().Msg("rejected login attempt")
		return types.Session{}, fmt.Errorf("%w: invalid credentials", types.ErrUnauthenticated)
	}

	id, err := newSessionID()
	if err != nil {
		return types.Session{}, err
	}
	now := a.now().UTC()
	sess := types.Session{
		ID:         id,
		Username:   acct.Username,
		IssuedAt:   now,
		LastUsedAt: now,
		ExpiresAt:  a.expiry(now, now),
	}
	if err := a.store.CreateSession(sess); err != nil {
		return types.Session{}, err
	}
	l := log.WithActor(a.log, acct.Username)
	l.Info().Msg("session created")
	return sess, nil
}

// Logout invalidates a session. Unknown sessions are not an error.
func (a *Authenticator) Logout(sessionID string) error {
	return a.store.DeleteSession(sessionID)
}

// IdentityFromSession resolves a session id to the caller identity.
//
// When authentication is disabled every caller is the synthetic anonymous
// superuser and the session id is ignored. An expired session is deleted
// on sight; a live one has its sliding expiry refreshed, capped at the
// absolute lifetime from issuance.
func (a *Authenticator) IdentityFromSession(sessionID string) (types.Identity, error) {
	if !a.cfg.Enabled {
		return types.Identity{Username: "anonymous", Synthetic: true}, nil
	}
	if sessionID == "" {
		return types.Identity{}, fmt.Errorf("%w: missing session", types.ErrUnauthenticated)
	}

	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: unknown session", types.ErrUnauthenticated)
	}

	now := a.now().UTC()
	if now.After(sess.ExpiresAt) || now.After(sess.IssuedAt.Add(a.cfg.SessionMaxLifetime.Std())) {
		_ = a.store.DeleteSession(sessionID)
		return types.Identity{}, fmt.Errorf("%w: session expired", types.ErrUnauthenticated)
	}
	if err := a.store.TouchSession(sessionID, now, a.expiry(sess.IssuedAt, now)); err != nil {
		return types.Identity{}, err
	}

	var groups []string
	if acct, ok := a.account(sess.Username); ok {
		groups = acct.Groups
	}
	return types.Identity{
		Username:  sess.Username,
		Groups:    groups,
		SessionID: sessionID,
	}, nil
}

// HasPermission reports whether the identity holds the permission on the
// scope, either directly or through the implication graph.
func (a *Authenticator) HasPermission(id types.Identity, perm types.Permission, productEndpoint string) (bool, error) {
	if id.Synthetic {
		return true, nil
	}
	perms, err := a.Permissions(id, productEndpoint)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Permissions returns the closed set of permissions the identity holds on
// the product scope (or the server scope when productEndpoint is empty),
// with implications expanded.
func (a *Authenticator) Permissions(id types.Identity, productEndpoint string) ([]types.Permission, error) {
	if id.Synthetic {
		if productEndpoint == "" {
			return []types.Permission{types.PermSuperuser}, nil
		}
		return []types.Permission{
			types.PermProductAdmin, types.PermProductAccess,
			types.PermProductStore, types.PermProductView,
		}, nil
	}

	grants, err := a.store.GrantsForIdentity(id.Username, id.Groups)
	if err != nil {
		return nil, err
	}

	held := map[types.Permission]bool{}
	superuser := false
	for _, g := range grants {
		if g.Permission == types.PermSuperuser {
			superuser = true
		}
		if g.ProductEndpoint == productEndpoint {
			held[g.Permission] = true
		}
	}
	// SUPERUSER subsumes everything on every scope
	if superuser {
		if productEndpoint == "" {
			held[types.PermSuperuser] = true
		} else {
			held[types.PermProductAdmin] = true
		}
	}

	// expand implications to a fixed point
	for changed := true; changed; {
		changed = false
		for p := range held {
			for _, implied := range p.Implies() {
				if !held[implied] {
					held[implied] = true
					changed = true
				}
			}
		}
	}

	perms := make([]types.Permission, 0, len(held))
	for _, p := range []types.Permission{
		types.PermSuperuser, types.PermProductAdmin, types.PermProductAccess,
		types.PermProductStore, types.PermProductView,
	} {
		if held[p] {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

// PurgeExpired deletes expired sessions, returning the count removed
func (a *Authenticator) PurgeExpired() (int, error) {
	return a.store.PurgeExpiredSessions(a.now().UTC())
}

func (a *Authenticator) account(username string) (config.Account, bool) {
	for _, acct := range a.cfg.Accounts {
		if acct.Username == username {
			return acct, true
		}
	}
	return config.Account{}, false
}

// expiry computes the sliding expiry from the last use, never past the
// absolute lifetime from issuance.
func (a *Authenticator) expiry(issued, lastUsed time.Time) time.Time {
	sliding := lastUsed.Add(a.cfg.SessionIdleTimeout.Std())
	absolute := issued.Add(a.cfg.SessionMaxLifetime.Std())
	if sliding.After(absolute) {
		return absolute
	}
	return sliding
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: failed to generate session id: %v", types.ErrTransient, err)
	}
	return hex.EncodeToString(buf), nil
}
