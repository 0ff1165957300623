package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/justmike1/casebot/cases"
)

type verb string

const (
	verbHelp     verb = "help"
	verbLogin    verb = "login"
	verbCreate   verb = "create"
	verbList     verb = "list"
	verbShow     verb = "show"
	verbField    verb = "field"
	verbComments verb = "comments"
	verbComment  verb = "comment"
	verbUpdate   verb = "update"
	verbKB       verb = "kb"
	verbUsage    verb = "usage"
)

// updatable are the aliases "update" accepts. Owner is read-only.
var updatable = map[string]bool{"status": true, "priority": true, "subject": true, "description": true}

// request is one parsed chat command.
type request struct {
	verb       verb
	recordType cases.RecordType
	number     string // normalised case number
	field      string // alias for field reads and updates
	value      string
	subject    string
	text       string // description, comment body or search text
	owner      string
}

// usageError means the verb was recognised but its arguments were not.
type usageError struct{ usage string }

func (e *usageError) Error() string { return "usage: " + e.usage }

// unknownError means the first word is not a command.
type unknownError struct{ word string }

func (e *unknownError) Error() string { return fmt.Sprintf("unknown command %q", e.word) }

var errEmpty = errors.New("empty command")

func parse(text string) (request, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return request{}, errEmpty
	}
	word, rest, _ := strings.Cut(text, " ")
	word = strings.ToLower(word)
	rest = strings.TrimSpace(rest)

	switch word {
	case "help", "?":
		return request{verb: verbHelp}, nil
	case "login", "logout":
		return request{verb: verbLogin}, nil
	case "usage", "limits":
		return request{verb: verbUsage}, nil
	case "create", "new":
		return parseCreate(rest)
	case "list", "search":
		return parseList(rest)
	case "show", "get":
		return parseShow(rest)
	case "comments", "thread":
		number, extra := firstWord(rest)
		if number == "" || extra != "" {
			return request{}, &usageError{"comments <number>"}
		}
		return request{verb: verbComments, number: cases.FormatCaseNumber(number)}, nil
	case "comment", "reply":
		number, body := firstWord(rest)
		if number == "" || body == "" {
			return request{}, &usageError{"comment <number> <text>"}
		}
		return request{verb: verbComment, number: cases.FormatCaseNumber(number), text: body}, nil
	case "update", "set":
		return parseUpdate(rest)
	case "kb", "article", "articles":
		if rest == "" {
			return request{}, &usageError{"kb <text>"}
		}
		return request{verb: verbKB, text: rest}, nil
	}

	if _, ok := cases.FieldName(word); ok {
		number, extra := firstWord(rest)
		if number == "" || extra != "" {
			return request{}, &usageError{word + " <number>"}
		}
		return request{verb: verbField, field: word, number: cases.FormatCaseNumber(number)}, nil
	}
	return request{}, &unknownError{word}
}

// parseCreate reads "<type> <subject> [| description]".
func parseCreate(rest string) (request, error) {
	const usage = "create <incident|change|problem|release> <subject> [| description]"
	typeWord, rest := firstWord(rest)
	rt, err := cases.ParseRecordType(typeWord)
	if err != nil || typeWord == "" {
		return request{}, &usageError{usage}
	}
	subject, description, _ := strings.Cut(rest, "|")
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return request{}, &usageError{usage}
	}
	return request{verb: verbCreate, recordType: rt, subject: subject, text: strings.TrimSpace(description)}, nil
}

// parseList reads "<type|all> [owner:<name>] [subject:<text>]". A key's value
// runs until the next key.
func parseList(rest string) (request, error) {
	const usage = "list <type|all> [owner:<name>] [subject:<text>]"
	typeWord, rest := firstWord(rest)
	if typeWord == "" {
		return request{}, &usageError{usage}
	}
	req := request{verb: verbList}
	if !isAll(typeWord) {
		rt, err := cases.ParseRecordType(typeWord)
		if err != nil {
			return request{}, &usageError{usage}
		}
		req.recordType = rt
	}

	opts, err := keyValues(rest, "owner", "subject")
	if err != nil {
		return request{}, &usageError{usage}
	}
	req.owner = opts["owner"]
	req.subject = opts["subject"]
	return req, nil
}

// parseShow reads "[type] <number>".
func parseShow(rest string) (request, error) {
	const usage = "show [type] <number>"
	first, second := firstWord(rest)
	switch {
	case first == "":
		return request{}, &usageError{usage}
	case second == "":
		return request{verb: verbShow, number: cases.FormatCaseNumber(first)}, nil
	}
	rt, err := cases.ParseRecordType(first)
	if err != nil || strings.Contains(second, " ") {
		return request{}, &usageError{usage}
	}
	return request{verb: verbShow, recordType: rt, number: cases.FormatCaseNumber(second)}, nil
}

// parseUpdate reads "<number> <field>=<value>".
func parseUpdate(rest string) (request, error) {
	const usage = "update <number> <status|priority|subject|description>=<value>"
	number, assignment := firstWord(rest)
	field, value, ok := strings.Cut(assignment, "=")
	field = strings.ToLower(strings.TrimSpace(field))
	value = strings.TrimSpace(value)
	if number == "" || !ok || !updatable[field] || value == "" {
		return request{}, &usageError{usage}
	}
	return request{verb: verbUpdate, number: cases.FormatCaseNumber(number), field: field, value: value}, nil
}

func firstWord(s string) (string, string) {
	word, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	return word, strings.TrimSpace(rest)
}

func isAll(word string) bool {
	switch strings.ToLower(word) {
	case "all", "any", "case", "cases":
		return true
	}
	return false
}

// keyValues splits "k1:v1 words k2:v2" into a map. Text before the first key
// is an error.
func keyValues(s string, keys ...string) (map[string]string, error) {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	current := ""
	for s != "" {
		next, pos := nextKey(s, keys)
		if current == "" && pos != 0 {
			return nil, fmt.Errorf("unexpected %q", s)
		}
		if pos < 0 {
			out[current] = strings.TrimSpace(s)
			break
		}
		if current != "" {
			out[current] = strings.TrimSpace(s[:pos])
		}
		current = next
		s = s[pos+len(next)+1:]
	}
	return out, nil
}

// nextKey finds the earliest "key:" in s that starts a word.
func nextKey(s string, keys []string) (string, int) {
	lower := strings.ToLower(s)
	best, bestPos := "", -1
	for _, k := range keys {
		from := 0
		for {
			i := strings.Index(lower[from:], k+":")
			if i < 0 {
				break
			}
			i += from
			if i == 0 || lower[i-1] == ' ' {
				if bestPos < 0 || i < bestPos {
					best, bestPos = k, i
				}
				break
			}
			from = i + 1
		}
	}
	return best, bestPos
}
