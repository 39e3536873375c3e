package txenc

import (
	"strings"
)

// rewriteInsert recognises simple parameterised INSERT statements of the
// form
//
//	INSERT INTO <table> (<col>, ...) VALUES (?, ...), (?, ...)
//
// and rewrites them as equivalent put-docs ops, one per parameter row,
// each holding one document per VALUES tuple. Anything else — a non-INSERT
// statement, literal or computed VALUES, a sub-select, a missing _id
// column, trailing clauses — is left for the query engine: the op is
// written as a plain sql leg. Rewriting preserves semantics while letting
// the indexer take its specialised document path.
func rewriteInsert(query string, argRows [][]any) ([]Op, bool, error) {
	var toks, ok = scanSQL(query)
	if !ok {
		return nil, false, nil
	}
	var p = sqlParser{toks: toks}

	if !p.keyword("insert") || !p.keyword("into") {
		return nil, false, nil
	}
	var table, tok = p.ident()
	if !tok {
		return nil, false, nil
	}

	// Column list.
	if !p.punct("(") {
		return nil, false, nil
	}
	var cols []string
	for {
		var col, ok = p.ident()
		if !ok {
			return nil, false, nil
		}
		cols = append(cols, strings.ToLower(col))
		if p.punct(")") {
			break
		}
		if !p.punct(",") {
			return nil, false, nil
		}
	}

	var hasID bool
	for _, c := range cols {
		hasID = hasID || strings.EqualFold(c, "_id")
	}
	if !hasID || !p.keyword("values") {
		return nil, false, nil
	}

	// VALUES tuples of placeholders only.
	var tuples int
	for {
		if !p.punct("(") {
			return nil, false, nil
		}
		for i := range cols {
			if !p.punct("?") {
				return nil, false, nil
			}
			if i != len(cols)-1 && !p.punct(",") {
				return nil, false, nil
			}
		}
		if !p.punct(")") {
			return nil, false, nil
		}
		tuples++
		if !p.punct(",") {
			break
		}
	}
	p.punct(";")
	if !p.done() {
		return nil, false, nil
	}

	var arity = tuples * len(cols)
	if len(argRows) == 0 || len(argRows[0]) != arity {
		return nil, false, nil
	}

	var ops = make([]Op, 0, len(argRows))
	for _, row := range argRows {
		var docs = make([]Document, 0, tuples)
		for t := 0; t != tuples; t++ {
			var doc = make(Document, len(cols))
			for c, col := range cols {
				doc[col] = row[t*len(cols)+c]
			}
			docs = append(docs, doc)
		}
		ops = append(ops, PutDocs{Table: table, Docs: docs})
	}
	return ops, true, nil
}

type sqlToken struct {
	kind byte // 'i' identifier/keyword, 'p' punctuation.
	text string
}

// scanSQL tokenises |q| into identifiers and punctuation. Any construct
// beyond those — string or numeric literals, operators, comments — makes
// the statement ineligible for rewriting, so scanning simply fails.
func scanSQL(q string) ([]sqlToken, bool) {
	var toks []sqlToken

	for i := 0; i < len(q); {
		var c = q[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(' || c == ')' || c == ',' || c == '?' || c == ';':
			toks = append(toks, sqlToken{kind: 'p', text: string(c)})
			i++

		case isIdentStart(c):
			var j = i + 1
			for j < len(q) && isIdentPart(q[j]) {
				j++
			}
			toks = append(toks, sqlToken{kind: 'i', text: q[i:j]})
			i = j

		default:
			return nil, false
		}
	}
	return toks, true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || c == '$' || (c >= '0' && c <= '9')
}

type sqlParser struct {
	toks []sqlToken
	pos  int
}

func (p *sqlParser) keyword(kw string) bool {
	if p.pos < len(p.toks) && p.toks[p.pos].kind == 'i' && strings.EqualFold(p.toks[p.pos].text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *sqlParser) ident() (string, bool) {
	if p.pos < len(p.toks) && p.toks[p.pos].kind == 'i' {
		p.pos++
		return p.toks[p.pos-1].text, true
	}
	return "", false
}

func (p *sqlParser) punct(s string) bool {
	if p.pos < len(p.toks) && p.toks[p.pos].kind == 'p' && p.toks[p.pos].text == s {
		p.pos++
		return true
	}
	return false
}

func (p *sqlParser) done() bool { return p.pos == len(p.toks) }
