package configstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/reporthub/reporthub/pkg/types"
)

type productRow struct {
	Endpoint     string `db:"endpoint"`
	DisplayName  string `db:"display_name"`
	Description  string `db:"description"`
	Driver       string `db:"driver"`
	ConnPath     string `db:"conn_path"`
	ConnHost     string `db:"conn_host"`
	ConnPort     int    `db:"conn_port"`
	ConnUser     string `db:"conn_user"`
	ConnPassword string `db:"conn_password"`
	ConnDatabase string `db:"conn_database"`
	ConnSSLMode  string `db:"conn_sslmode"`
	CreatedAt    int64  `db:"created_at"`
}

func (r *productRow) product() types.Product {
	return types.Product{
		Endpoint:    r.Endpoint,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Connection: types.ConnectionSpec{
			Driver:   types.DriverKind(r.Driver),
			Path:     r.ConnPath,
			Host:     r.ConnHost,
			Port:     r.ConnPort,
			User:     r.ConnUser,
			Password: r.ConnPassword,
			Database: r.ConnDatabase,
			SSLMode:  r.ConnSSLMode,
		},
		CreatedAt: fromEpoch(r.CreatedAt),
	}
}

// CreateProduct inserts a product row
func (s *Store) CreateProduct(p types.Product) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO products (endpoint, display_name, description, driver,
		                       conn_path, conn_host, conn_port, conn_user,
		                       conn_password, conn_database, conn_sslmode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.Endpoint, p.DisplayName, p.Description, string(p.Connection.Driver),
		p.Connection.Path, p.Connection.Host, p.Connection.Port, p.Connection.User,
		p.Connection.Password, p.Connection.Database, p.Connection.SSLMode,
		epoch(p.CreatedAt))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return fmt.Errorf("%w: product endpoint %q already exists", types.ErrConflict, p.Endpoint)
		}
		return fmt.Errorf("%w: failed to insert product: %v", types.ErrTransient, err)
	}
	return nil
}

// GetProduct returns the product mounted at the endpoint
func (s *Store) GetProduct(endpoint string) (types.Product, error) {
	var row productRow
	if err := s.db.Get(&row, s.rebind(`SELECT * FROM products WHERE endpoint = ?`), endpoint); err != nil {
		return types.Product{}, notFound(err, "product", endpoint)
	}
	return row.product(), nil
}

// ListProducts returns all product rows ordered by endpoint
func (s *Store) ListProducts() ([]types.Product, error) {
	var rows []productRow
	if err := s.db.Select(&rows, `SELECT * FROM products ORDER BY endpoint ASC`); err != nil {
		return nil, fmt.Errorf("%w: failed to list products: %v", types.ErrTransient, err)
	}
	products := make([]types.Product, 0, len(rows))
	for i := range rows {
		products = append(products, rows[i].product())
	}
	return products, nil
}

// UpdateProduct overwrites the mutable fields of a product row
func (s *Store) UpdateProduct(p types.Product) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE products SET display_name = ?, description = ?, driver = ?,
		        conn_path = ?, conn_host = ?, conn_port = ?, conn_user = ?,
		        conn_password = ?, conn_database = ?, conn_sslmode = ?
		 WHERE endpoint = ?`),
		p.DisplayName, p.Description, string(p.Connection.Driver),
		p.Connection.Path, p.Connection.Host, p.Connection.Port, p.Connection.User,
		p.Connection.Password, p.Connection.Database, p.Connection.SSLMode,
		p.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: failed to update product: %v", types.ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: product %q", types.ErrNotFound, p.Endpoint)
	}
	return nil
}

// DeleteProduct removes the product row and its scoped permission grants.
// The underlying result store is never touched.
func (s *Store) DeleteProduct(endpoint string) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(s.rebind(`DELETE FROM products WHERE endpoint = ?`), endpoint)
		if err != nil {
			return fmt.Errorf("%w: failed to delete product: %v", types.ErrTransient, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: product %q", types.ErrNotFound, endpoint)
		}
		if _, err := tx.Exec(s.rebind(
			`DELETE FROM permissions WHERE product_endpoint = ?`), endpoint); err != nil {
			return fmt.Errorf("%w: failed to delete product permissions: %v", types.ErrTransient, err)
		}
		return nil
	})
}
