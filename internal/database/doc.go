// Package database provides connection pool management for TimescaleDB.
//
// The pool backs the tick writer and, when configured, the postgres
// instrument universe.
package database
