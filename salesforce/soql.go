package salesforce

import (
	"fmt"
	"strings"
)

// Condition is one term of a WHERE clause. Terms are joined with AND.
type Condition struct {
	Field string
	Op    string
	Value any
}

func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: "=", Value: value}
}

// SOQL builds a single-object query.
type SOQL struct {
	Fields     []string
	From       string
	Where      []Condition
	OrderBy    string
	Descending bool
	Limit      int
}

func (q SOQL) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(q.Fields, ", "), q.From)
	if clause := whereClause(q.Where); clause != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(clause)
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", q.OrderBy)
		if q.Descending {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String()
}

func whereClause(conds []Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, literal(c.Value)))
	}
	return strings.Join(parts, " AND ")
}

func literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + EscapeSOQL(val) + "'"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", val)
	default:
		return "'" + EscapeSOQL(fmt.Sprint(val)) + "'"
	}
}

var soqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// EscapeSOQL escapes a value for use inside a quoted SOQL string literal.
func EscapeSOQL(s string) string {
	return soqlEscaper.Replace(s)
}

var soslEscaper = strings.NewReplacer(
	`\`, `\\`, `?`, `\?`, `&`, `\&`, `|`, `\|`, `!`, `\!`,
	`{`, `\{`, `}`, `\}`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`^`, `\^`, `~`, `\~`, `*`, `\*`, `:`, `\:`, `"`, `\"`, `'`, `\'`,
	`+`, `\+`, `-`, `\-`,
)

// EscapeSOSL escapes the reserved characters of a SOSL search term.
func EscapeSOSL(s string) string {
	return soslEscaper.Replace(s)
}

// SOSL builds a FIND ... RETURNING search over a single object.
type SOSL struct {
	Term   string // raw search text, escaped by String
	Object string
	Fields []string
	Where  []Condition
	Limit  int
}

func (s SOSL) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FIND {%s} IN ALL FIELDS RETURNING %s (%s", EscapeSOSL(s.Term), s.Object, strings.Join(s.Fields, ", "))
	if clause := whereClause(s.Where); clause != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(clause)
	}
	if s.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", s.Limit)
	}
	sb.WriteString(")")
	return sb.String()
}
