package sftest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type condition struct {
	field  string
	values []any
}

type parsedQuery struct {
	object  string
	where   []condition
	orderBy string
	desc    bool
	limit   int
}

type parsedSearch struct {
	term   string
	object string
	where  []condition
	limit  int
}

var soqlPattern = regexp.MustCompile(`^SELECT .+? FROM (\w+)(?: WHERE (.+?))?(?: ORDER BY (\w+)( DESC)?)?(?: LIMIT (\d+))?$`)

func parseSOQL(q string) (*parsedQuery, error) {
	m := soqlPattern.FindStringSubmatch(q)
	if m == nil {
		return nil, fmt.Errorf("unsupported query: %s", q)
	}
	where, err := parseConditions(m[2])
	if err != nil {
		return nil, err
	}
	limit := 0
	if m[5] != "" {
		limit, _ = strconv.Atoi(m[5])
	}
	return &parsedQuery{object: m[1], where: where, orderBy: m[3], desc: m[4] != "", limit: limit}, nil
}

var soslTail = regexp.MustCompile(`^ IN ALL FIELDS RETURNING (\w+) \(.*?(?: WHERE (.+?))?(?: LIMIT (\d+))?\)$`)

func parseSOSL(q string) (*parsedSearch, error) {
	if !strings.HasPrefix(q, "FIND {") {
		return nil, fmt.Errorf("unsupported search: %s", q)
	}
	rest := q[len("FIND {"):]

	// The term ends at the first unescaped closing brace.
	var term strings.Builder
	end := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '\\' && i+1 < len(rest) {
			term.WriteByte(rest[i+1])
			i++
			continue
		}
		if rest[i] == '}' {
			end = i
			break
		}
		term.WriteByte(rest[i])
	}
	if end < 0 {
		return nil, fmt.Errorf("unterminated search term: %s", q)
	}

	m := soslTail.FindStringSubmatch(rest[end+1:])
	if m == nil {
		return nil, fmt.Errorf("unsupported search: %s", q)
	}
	where, err := parseConditions(m[2])
	if err != nil {
		return nil, err
	}
	limit := 0
	if m[3] != "" {
		limit, _ = strconv.Atoi(m[3])
	}
	return &parsedSearch{term: term.String(), object: m[1], where: where, limit: limit}, nil
}

// parseConditions reads "F = 'v' AND H = true".
func parseConditions(s string) ([]condition, error) {
	var conds []condition
	p := &scanner{src: s}
	for {
		p.skipSpace()
		if p.done() {
			return conds, nil
		}
		if len(conds) > 0 {
			if !p.keyword("AND") {
				return nil, fmt.Errorf("expected AND at %q", p.src[p.pos:])
			}
			p.skipSpace()
		}

		field := p.word()
		if field == "" {
			return nil, fmt.Errorf("expected field at %q", p.src[p.pos:])
		}
		p.skipSpace()

		switch {
		case p.keyword("="):
			p.skipSpace()
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			conds = append(conds, condition{field: field, values: []any{v}})
		default:
			return nil, fmt.Errorf("unsupported operator at %q", p.src[p.pos:])
		}
	}
}

type scanner struct {
	src string
	pos int
}

func (p *scanner) done() bool { return p.pos >= len(p.src) }

func (p *scanner) skipSpace() {
	for !p.done() && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *scanner) keyword(kw string) bool {
	if strings.HasPrefix(p.src[p.pos:], kw) {
		p.pos += len(kw)
		return true
	}
	return false
}

func (p *scanner) word() string {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if c == ' ' || c == '=' || c == '(' || c == ')' || c == ',' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *scanner) value() (any, error) {
	if p.done() {
		return nil, fmt.Errorf("missing value")
	}
	if p.src[p.pos] != '\'' {
		switch w := p.word(); w {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		default:
			if n, err := strconv.ParseFloat(w, 64); err == nil {
				return n, nil
			}
			return nil, fmt.Errorf("bad literal %q", w)
		}
	}

	p.pos++
	var sb strings.Builder
	for !p.done() {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			next := p.src[p.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			p.pos += 2
		case c == '\'':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func matchAll(rec Record, conds []condition) bool {
	for _, c := range conds {
		if !matchOne(rec[c.field], c.values) {
			return false
		}
	}
	return true
}

func matchOne(actual any, values []any) bool {
	for _, v := range values {
		switch want := v.(type) {
		case nil:
			if actual == nil {
				return true
			}
		case bool:
			got, _ := actual.(bool)
			if got == want {
				return true
			}
		case float64:
			if fmt.Sprint(actual) == strconv.FormatFloat(want, 'f', -1, 64) {
				return true
			}
		default:
			if fmt.Sprint(actual) == fmt.Sprint(want) && actual != nil {
				return true
			}
		}
	}
	return false
}
