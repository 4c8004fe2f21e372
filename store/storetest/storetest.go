// Package storetest provides an in-memory SQLite fixture for tests.
package storetest

import (
	"database/sql"
	"testing"

	"github.com/xcono/flexql/schema"
)

// Driver is the database/sql driver of the fixture.
const Driver = schema.SQLiteDriver

// Entities declares the fixture schema: bookings reference customers,
// customers reference companies.
var Entities = schema.Entities{
	"booking": {
		Table:      "bookings",
		Attributes: []string{"id", "status", "total", "customer", "owner", "notes", "meta", "created"},
		Structured: []string{"meta"},
		Relations:  map[string]schema.RelationConf{"customer": {Entity: "customer"}},
	},
	"customer": {
		Table:      "customers",
		Attributes: []string{"id", "name", "email", "company"},
		Relations:  map[string]schema.RelationConf{"company": {Entity: "company"}},
	},
	"company": {
		Table:      "companies",
		Attributes: []string{"id", "name"},
	},
}

const ddl = `
CREATE TABLE companies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE customers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT,
	company_id INTEGER REFERENCES companies(id)
);
CREATE TABLE bookings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL DEFAULT 'pending',
	total REAL,
	customer_id INTEGER REFERENCES customers(id),
	owner INTEGER,
	notes TEXT,
	meta TEXT,
	created DATETIME
);`

const seed = `
INSERT INTO companies (name) VALUES ('Acme'), ('Globex');
INSERT INTO customers (name, email, company_id) VALUES
	('Aisha Khan', 'aisha@example.com', 1),
	('Bob Smith', 'bob@example.com', 2),
	('Carla Diaz', 'carla@example.com', NULL);
INSERT INTO bookings (status, total, customer_id, owner, notes, meta, created) VALUES
	('confirmed', 120.5, 1, 7, 'window seat', '{"source": {"channel": "web"}, "tags": ["vip"]}', '2024-03-01 10:00:00'),
	('pending', 80, 1, 7, NULL, '{"source": {"channel": "phone"}}', '2024-03-02 11:30:00'),
	('cancelled', 45, 2, 8, 'refund', NULL, '2024-04-10 09:15:00'),
	('completed', 300, 2, 8, NULL, '{"source": {"channel": "web"}}', '2024-05-20 18:45:00'),
	('confirmed', 99.99, 3, 7, NULL, NULL, '2024-06-01 08:00:00'),
	('pending', 15, NULL, 9, 'walk-in', NULL, '2024-06-02 12:00:00');`

// Open creates the fixture database and its registry.
func Open(t *testing.T) (*sql.DB, *schema.Registry) {
	t.Helper()

	db, err := sql.Open(Driver, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}

	reg, err := schema.NewRegistry(Entities)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return db, reg
}
