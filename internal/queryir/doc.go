// Package queryir is the intermediate representation of store lookups.
//
// A Select names a table, the columns to read, a filter built from sealed
// predicates and an optional limit. Backends compile it; package querysql
// turns it into parameterized SQL for SQLite and Postgres.
//
// Values in predicates are value.Value scalars (String, Int, Bool). Null,
// arrays and objects cannot be compared and are rejected by Validate.
//
// Every compiled query is ordered. A Select without OrderBy is ordered by
// its id column so results are deterministic across backends.
package queryir
