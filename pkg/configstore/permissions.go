package configstore

import (
	"fmt"
	"strings"

	"github.com/reporthub/reporthub/pkg/types"
)

type grantRow struct {
	ID              int64  `db:"id"`
	Permission      string `db:"permission"`
	ProductEndpoint string `db:"product_endpoint"`
	Grantee         string `db:"grantee"`
	IsGroup         bool   `db:"is_group"`
}

func (r *grantRow) grant() types.PermissionGrant {
	return types.PermissionGrant{
		Permission:      types.Permission(r.Permission),
		ProductEndpoint: r.ProductEndpoint,
		Grantee:         r.Grantee,
		IsGroup:         r.IsGroup,
	}
}

// AddGrant records a permission grant. Adding an existing grant is a no-op.
func (s *Store) AddGrant(g types.PermissionGrant) error {
	if !g.Permission.Valid() {
		return fmt.Errorf("%w: unknown permission %q", types.ErrInputMalformed, g.Permission)
	}
	if g.Permission.ServerWide() && g.ProductEndpoint != "" {
		return fmt.Errorf("%w: %s is a server-wide permission", types.ErrInputMalformed, g.Permission)
	}
	if !g.Permission.ServerWide() && g.ProductEndpoint == "" {
		return fmt.Errorf("%w: %s requires a product scope", types.ErrInputMalformed, g.Permission)
	}
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO permissions (permission, product_endpoint, grantee, is_group)
		 VALUES (?, ?, ?, ?)`),
		string(g.Permission), g.ProductEndpoint, g.Grantee, g.IsGroup)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
			return nil
		}
		return fmt.Errorf("%w: failed to add grant: %v", types.ErrTransient, err)
	}
	return nil
}

// RemoveGrant deletes a permission grant if present
func (s *Store) RemoveGrant(g types.PermissionGrant) error {
	_, err := s.db.Exec(s.rebind(
		`DELETE FROM permissions
		 WHERE permission = ? AND product_endpoint = ? AND grantee = ? AND is_group = ?`),
		string(g.Permission), g.ProductEndpoint, g.Grantee, g.IsGroup)
	if err != nil {
		return fmt.Errorf("%w: failed to remove grant: %v", types.ErrTransient, err)
	}
	return nil
}

// GrantsForIdentity returns every grant held directly by the username or by
// any of the groups.
func (s *Store) GrantsForIdentity(username string, groups []string) ([]types.PermissionGrant, error) {
	query := `SELECT * FROM permissions WHERE (grantee = ? AND is_group = ?)`
	args := []interface{}{username, false}
	if len(groups) > 0 {
		query += fmt.Sprintf(` OR (grantee IN (%s) AND is_group = ?)`, placeholders(len(groups)))
		for _, g := range groups {
			args = append(args, g)
		}
		args = append(args, true)
	}

	var rows []grantRow
	if err := s.db.Select(&rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: failed to load grants: %v", types.ErrTransient, err)
	}
	grants := make([]types.PermissionGrant, 0, len(rows))
	for i := range rows {
		grants = append(grants, rows[i].grant())
	}
	return grants, nil
}

// ListGrants returns every grant of a permission on a scope
func (s *Store) ListGrants(permission types.Permission, productEndpoint string) ([]types.PermissionGrant, error) {
	var rows []grantRow
	err := s.db.Select(&rows, s.rebind(
		`SELECT * FROM permissions WHERE permission = ? AND product_endpoint = ?
		 ORDER BY grantee ASC`),
		string(permission), productEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list grants: %v", types.ErrTransient, err)
	}
	grants := make([]types.PermissionGrant, 0, len(rows))
	for i := range rows {
		grants = append(grants, rows[i].grant())
	}
	return grants, nil
}
