package client

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// ListParams are the uniform listing parameters of the API.
type ListParams struct {
	Offset    *int
	Limit     *int
	Sort      string
	Query     string
	Bookmarks bool
	Mode      string
	NoPage    bool
}

// Int returns a pointer to n, for the optional ListParams fields.
func Int(n int) *int {
	return &n
}

// Values encodes the params. The query is validated first.
func (p ListParams) Values() (url.Values, error) {
	v := url.Values{}
	if p.Offset != nil {
		if *p.Offset < 0 {
			return nil, plxerrors.InvalidInput("offset must not be negative")
		}
		v.Set("offset", strconv.Itoa(*p.Offset))
	}
	if p.Limit != nil {
		if *p.Limit < 0 {
			return nil, plxerrors.InvalidInput("limit must not be negative")
		}
		v.Set("limit", strconv.Itoa(*p.Limit))
	}
	if p.Sort != "" {
		v.Set("sort", p.Sort)
	}
	if strings.TrimSpace(p.Query) != "" {
		q, err := ParseQuery(p.Query)
		if err != nil {
			return nil, err
		}
		v.Set("query", q.String())
	}
	if p.Bookmarks {
		v.Set("bookmarks", "true")
	}
	if p.Mode != "" {
		v.Set("mode", p.Mode)
	}
	if p.NoPage {
		v.Set("no_page", "true")
	}
	return v, nil
}

// Operator is a query clause operator.
type Operator string

const (
	OpEq    Operator = ":"
	OpIn    Operator = "|"
	OpRange Operator = ".."
	OpLTE   Operator = "<="
	OpGTE   Operator = ">="
	OpLT    Operator = "<"
	OpGT    Operator = ">"
)

// Clause is one `<field>:<op>?<value>` term of a query.
type Clause struct {
	Field  string
	Op     Operator
	Negate bool
	Values []string
}

// String renders the clause in canonical form.
func (c Clause) String() string {
	var b strings.Builder
	b.WriteString(c.Field)
	b.WriteString(":")
	if c.Negate {
		b.WriteString("~")
	}
	switch c.Op {
	case OpIn:
		b.WriteString(strings.Join(c.Values, "|"))
	case OpRange:
		b.WriteString(strings.Join(c.Values, ".."))
	case OpLTE, OpGTE, OpLT, OpGT:
		b.WriteString(string(c.Op))
		b.WriteString(c.Values[0])
	default:
		b.WriteString(c.Values[0])
	}
	return b.String()
}

// Query is a parsed query expression.
type Query []Clause

// String renders the query in canonical form.
func (q Query) String() string {
	parts := make([]string, len(q))
	for i, c := range q {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ParseQuery validates a comma-separated list of `<field>:<op>?<value>`
// clauses. Ops are ":" (eq), "|" (in), ".." (range), "<=", ">=", "<" and
// ">"; a leading "~" on the value negates the clause.
func ParseQuery(expr string) (Query, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	var q Query
	for _, raw := range strings.Split(expr, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			return nil, plxerrors.InvalidQuery(expr, "empty clause")
		}
		clause, err := parseClause(term)
		if err != nil {
			return nil, plxerrors.InvalidQuery(expr, err.Error())
		}
		q = append(q, clause)
	}
	return q, nil
}

type clauseError string

func (e clauseError) Error() string { return string(e) }

func parseClause(term string) (Clause, error) {
	field, value, ok := strings.Cut(term, ":")
	if !ok {
		return Clause{}, clauseError("clause " + strconv.Quote(term) + " has no ':'")
	}
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if !fieldPattern.MatchString(field) {
		return Clause{}, clauseError("invalid field " + strconv.Quote(field))
	}

	c := Clause{Field: field, Op: OpEq}
	if strings.HasPrefix(value, "~") {
		c.Negate = true
		value = strings.TrimSpace(value[1:])
	}
	if value == "" {
		return Clause{}, clauseError("clause " + strconv.Quote(term) + " has no value")
	}

	for _, op := range []Operator{OpLTE, OpGTE, OpLT, OpGT} {
		if strings.HasPrefix(value, string(op)) {
			v := strings.TrimSpace(value[len(op):])
			if v == "" {
				return Clause{}, clauseError("clause " + strconv.Quote(term) + " has no value")
			}
			c.Op, c.Values = op, []string{v}
			return c, nil
		}
	}

	switch {
	case strings.Contains(value, ".."):
		bounds := strings.Split(value, "..")
		if len(bounds) != 2 || strings.TrimSpace(bounds[0]) == "" || strings.TrimSpace(bounds[1]) == "" {
			return Clause{}, clauseError("range " + strconv.Quote(value) + " needs two bounds")
		}
		c.Op, c.Values = OpRange, []string{strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])}
	case strings.Contains(value, "|"):
		for _, v := range strings.Split(value, "|") {
			v = strings.TrimSpace(v)
			if v == "" {
				return Clause{}, clauseError("set " + strconv.Quote(value) + " has an empty member")
			}
			c.Values = append(c.Values, v)
		}
		c.Op = OpIn
	default:
		c.Values = []string{value}
	}
	return c, nil
}
