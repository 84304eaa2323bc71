// Package redact scrubs personal data out of free text columns before rows
// are persisted. Redaction is one way: the original text is never kept.
package redact

import (
	"regexp"

	"github.com/block/shardsync/pkg/tables"
)

// Placeholder replaces every redacted substring.
const Placeholder = "#"

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)

// Emails replaces every email-like substring of s with Placeholder.
func Emails(s string) string {
	return emailPattern.ReplaceAllLiteralString(s, Placeholder)
}

// Rows redacts, in place, every column the schema marks for redaction and
// returns how many values changed.
func Rows(schema *tables.Schema, rows []tables.Row) int {
	var cols []int
	for i, c := range schema.Columns {
		if c.Redact {
			cols = append(cols, i)
		}
	}
	if len(cols) == 0 {
		return 0
	}

	var changed int
	for _, row := range rows {
		for _, i := range cols {
			v := row.Values[i]
			if !v.Valid {
				continue
			}
			if scrubbed := Emails(v.String); scrubbed != v.String {
				row.Values[i].String = scrubbed
				changed++
			}
		}
	}

	return changed
}
