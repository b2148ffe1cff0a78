package store

import (
	"strings"
	"unicode"
)

// SplitStatements splits a multi-statement SQL script into individual
// statements. The schema bundle contains -- line comments, /* */ block
// comments, quoted string literals, and trigger bodies delimited by
// BEGIN ... END; semicolons inside any of those scopes must not split.
//
// This splitter is load-bearing: delegating to the driver would execute only
// the first statement of the bundle.
func SplitStatements(script string) []string {
	var (
		stmts      []string
		current    strings.Builder
		inSingle   bool // inside '...'
		inDouble   bool // inside "..."
		lineCmt    bool
		blockCmt   bool
		beginDepth int
	)

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case lineCmt:
			current.WriteRune(c)
			if c == '\n' {
				lineCmt = false
			}
			continue
		case blockCmt:
			current.WriteRune(c)
			if c == '*' && next == '/' {
				current.WriteRune(next)
				i++
				blockCmt = false
			}
			continue
		case inSingle:
			current.WriteRune(c)
			if c == '\'' {
				// '' is an escaped quote inside the literal
				if next == '\'' {
					current.WriteRune(next)
					i++
				} else {
					inSingle = false
				}
			}
			continue
		case inDouble:
			current.WriteRune(c)
			if c == '"' {
				inDouble = false
			}
			continue
		}

		switch {
		case c == '-' && next == '-':
			lineCmt = true
			current.WriteRune(c)
			continue
		case c == '/' && next == '*':
			blockCmt = true
			current.WriteRune(c)
			continue
		case c == '\'':
			inSingle = true
			current.WriteRune(c)
			continue
		case c == '"':
			inDouble = true
			current.WriteRune(c)
			continue
		}

		if isWordStart(c) && (i == 0 || !isWordChar(runes[i-1])) {
			word := readWord(runes, i)
			switch strings.ToUpper(word) {
			case "BEGIN":
				beginDepth++
			case "END":
				if beginDepth > 0 {
					beginDepth--
				}
			}
		}

		if c == ';' && beginDepth == 0 {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteRune(c)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

// isExecutable reports whether a statement contains anything besides
// comments, so banner-only fragments never reach the driver.
func isExecutable(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		return true
	}
	return false
}

func isWordStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isWordChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

func readWord(runes []rune, start int) string {
	end := start
	for end < len(runes) && isWordChar(runes[end]) {
		end++
	}
	return string(runes[start:end])
}
