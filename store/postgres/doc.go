// Package postgres provides a PostgreSQL-backed store implementation
// using pgx/v5 with connection pooling and embedded SQL migrations.
package postgres
