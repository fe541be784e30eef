package session

import "context"

// Row is one decoded result row.
type Row map[string]any

// Query is the descriptor supplied by the statement-building layer. The
// rendered statement and parameters feed key derivation; the tables feed
// structural tag derivation so a write to a table can invalidate every
// cached query that read from it.
type Query interface {
	// RenderStatement returns the SQL text and positional parameters
	RenderStatement() (sql string, params []any)

	// TableNames lists the tables the query reads from
	TableNames() []string
}

// Fetch performs the real execution against the database.
type Fetch func(ctx context.Context) ([]Row, error)

// RawQuery is a Query over a pre-rendered statement. Statement builders
// provide richer descriptors; this one covers hand-written SQL.
type RawQuery struct {
	SQL    string
	Params []any
	Tables []string
}

// RenderStatement returns the statement text and parameters as given.
func (q RawQuery) RenderStatement() (string, []any) {
	return q.SQL, q.Params
}

// TableNames returns the tables the statement reads from, as given.
func (q RawQuery) TableNames() []string {
	return q.Tables
}
