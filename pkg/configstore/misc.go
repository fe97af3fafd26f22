package configstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reporthub/reporthub/pkg/types"
)

const bannerID = "banner"

// GetBanner returns the server-wide announcement. An unset banner is an
// empty notification, not an error.
func (s *Store) GetBanner() (types.Notification, error) {
	var message, updatedBy string
	var updatedAt int64
	err := s.db.QueryRow(s.rebind(
		`SELECT message, updated_by, updated_at FROM notifications WHERE id = ?`), bannerID).
		Scan(&message, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Notification{}, nil
	}
	if err != nil {
		return types.Notification{}, fmt.Errorf("%w: failed to load banner: %v", types.ErrTransient, err)
	}
	return types.Notification{
		Message:   message,
		UpdatedBy: updatedBy,
		UpdatedAt: fromEpoch(updatedAt),
	}, nil
}

// SetBanner replaces the server-wide announcement
func (s *Store) SetBanner(message, updatedBy string, now time.Time) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE notifications SET message = ?, updated_by = ?, updated_at = ? WHERE id = ?`),
		message, updatedBy, epoch(now), bannerID)
	if err != nil {
		return fmt.Errorf("%w: failed to update banner: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.Exec(s.rebind(
		`INSERT INTO notifications (id, message, updated_by, updated_at) VALUES (?, ?, ?, ?)`),
		bannerID, message, updatedBy, epoch(now))
	if err != nil {
		return fmt.Errorf("%w: failed to store banner: %v", types.ErrTransient, err)
	}
	return nil
}

type presetRow struct {
	ID              int64  `db:"id"`
	ProductEndpoint string `db:"product_endpoint"`
	Username        string `db:"username"`
	Name            string `db:"name"`
	Value           string `db:"value"`
}

// ListFilterPresets returns the named filters a user stored on a product
func (s *Store) ListFilterPresets(productEndpoint, username string) ([]types.FilterPreset, error) {
	var rows []presetRow
	err := s.db.Select(&rows, s.rebind(
		`SELECT * FROM filter_presets WHERE product_endpoint = ? AND username = ?
		 ORDER BY name ASC`),
		productEndpoint, username)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list filter presets: %v", types.ErrTransient, err)
	}
	presets := make([]types.FilterPreset, 0, len(rows))
	for _, r := range rows {
		presets = append(presets, types.FilterPreset{
			ID:              r.ID,
			ProductEndpoint: r.ProductEndpoint,
			Username:        r.Username,
			Name:            r.Name,
			Value:           r.Value,
		})
	}
	return presets, nil
}

// SaveFilterPreset creates or overwrites a named filter
func (s *Store) SaveFilterPreset(p types.FilterPreset) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE filter_presets SET value = ?
		 WHERE product_endpoint = ? AND username = ? AND name = ?`),
		p.Value, p.ProductEndpoint, p.Username, p.Name)
	if err != nil {
		return fmt.Errorf("%w: failed to update filter preset: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.Exec(s.rebind(
		`INSERT INTO filter_presets (product_endpoint, username, name, value)
		 VALUES (?, ?, ?, ?)`),
		p.ProductEndpoint, p.Username, p.Name, p.Value)
	if err != nil {
		return fmt.Errorf("%w: failed to store filter preset: %v", types.ErrTransient, err)
	}
	return nil
}

// DeleteFilterPreset removes a named filter
func (s *Store) DeleteFilterPreset(productEndpoint, username, name string) error {
	res, err := s.db.Exec(s.rebind(
		`DELETE FROM filter_presets
		 WHERE product_endpoint = ? AND username = ? AND name = ?`),
		productEndpoint, username, name)
	if err != nil {
		return fmt.Errorf("%w: failed to delete filter preset: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: filter preset %q", types.ErrNotFound, name)
	}
	return nil
}

// ListSourceComponents returns a product's component definitions
func (s *Store) ListSourceComponents(productEndpoint string) ([]types.SourceComponent, error) {
	rows, err := s.db.Queryx(s.rebind(
		`SELECT product_endpoint, name, value, description FROM source_components
		 WHERE product_endpoint = ? ORDER BY name ASC`),
		productEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list source components: %v", types.ErrTransient, err)
	}
	defer rows.Close()

	var components []types.SourceComponent
	for rows.Next() {
		var c types.SourceComponent
		if err := rows.Scan(&c.ProductEndpoint, &c.Name, &c.Value, &c.Description); err != nil {
			return nil, fmt.Errorf("%w: failed to scan source component: %v", types.ErrTransient, err)
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

// SetSourceComponent creates or overwrites a component definition
func (s *Store) SetSourceComponent(c types.SourceComponent) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE source_components SET value = ?, description = ?
		 WHERE product_endpoint = ? AND name = ?`),
		c.Value, c.Description, c.ProductEndpoint, c.Name)
	if err != nil {
		return fmt.Errorf("%w: failed to update source component: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.Exec(s.rebind(
		`INSERT INTO source_components (product_endpoint, name, value, description)
		 VALUES (?, ?, ?, ?)`),
		c.ProductEndpoint, c.Name, c.Value, c.Description)
	if err != nil {
		return fmt.Errorf("%w: failed to store source component: %v", types.ErrTransient, err)
	}
	return nil
}

// DeleteSourceComponent removes a component definition
func (s *Store) DeleteSourceComponent(productEndpoint, name string) error {
	res, err := s.db.Exec(s.rebind(
		`DELETE FROM source_components WHERE product_endpoint = ? AND name = ?`),
		productEndpoint, name)
	if err != nil {
		return fmt.Errorf("%w: failed to delete source component: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: source component %q", types.ErrNotFound, name)
	}
	return nil
}
