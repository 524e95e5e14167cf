package store

import (
	"strconv"
	"strings"
)

// dialect captures the few SQL differences between the supported backends.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case "sqlite":
		return dialectSQLite, true
	case "pgx", "postgres":
		return dialectPostgres, true
	default:
		return dialectSQLite, false
	}
}

// rebind rewrites '?' placeholders to $1, $2, ... for PostgreSQL. Question
// marks inside single-quoted literals are left alone.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
