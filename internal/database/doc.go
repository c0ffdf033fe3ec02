// Package database provides the PostgreSQL connection pool and schema used by
// the recorder to persist delivered telegram items.
package database
