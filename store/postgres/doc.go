// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED dequeue, single-statement status transitions,
// embedded SQL migrations.
//
// Every status change is a conditional UPDATE keyed on the previous
// status, so the legal-transition rules hold even with many processes
// sharing one database.
package postgres
