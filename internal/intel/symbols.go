// Package intel provides heuristic code intelligence: symbol extraction,
// call-graph construction, and test-to-source mapping. Extraction is
// deliberately not a compiler; regex matchers produce approximations good
// enough for retrieval ranking, keyed by content hash for incremental reuse.
package intel

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strings"
)

// maxParseBytes skips files too large to be worth regex scanning.
const maxParseBytes = 50 * 1024

// Symbol kinds.
const (
	KindFunction  = "function"
	KindClass     = "class"
	KindInterface = "interface"
	KindType      = "type"
	KindConstant  = "constant"
	KindEnum      = "enum"
	KindMethod    = "method"
)

// Symbol is one extracted declaration.
type Symbol struct {
	Name        string
	Kind        string
	Signature   string
	LineStart   int
	LineEnd     int
	IsExported  bool
	Parameters  string
	Returns     string
	ParentClass string
}

// ParsedFile is the result of parsing one file.
type ParsedFile struct {
	Path        string
	Symbols     []Symbol
	ContentHash string
}

var (
	reFunction  = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(([^)]*)\)\s*(?::\s*([^{]+?))?\s*\{?`)
	reArrowFn   = regexp.MustCompile(`^\s*(export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=\s*(?:async\s+)?(?:\(([^)]*)\)|[A-Za-z_$][\w$]*)\s*(?::\s*[^=>{]+)?=>`)
	reClass     = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`)
	reInterface = regexp.MustCompile(`^\s*(export\s+)?interface\s+([A-Za-z_$][\w$]*)`)
	reTypeAlias = regexp.MustCompile(`^\s*(export\s+)?type\s+([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*=`)
	reEnum      = regexp.MustCompile(`^\s*(export\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`)
	reConstant  = regexp.MustCompile(`^\s*(export\s+)?const\s+([A-Z][A-Z0-9_]*)\s*(?::\s*[^=]+)?=`)
	reMethod    = regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|readonly|override|async)\s+)*\*?\s*([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*\(([^)]*)\)\s*(?::\s*([^{]+?))?\s*\{`)
)

// methodExclusions are control keywords that look like method declarations.
var methodExclusions = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "typeof": true, "new": true, "do": true,
}

// ContentHash computes the fast FNV-1a 32-bit hex hash used to skip
// unchanged files during reparse.
func ContentHash(content []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(content)
	return fmt.Sprintf("%08x", h.Sum32())
}

// ParseFile reads and parses one file. Files above 50 KB are skipped with an
// error so prior symbols stay in place.
func ParseFile(path string) (*ParsedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxParseBytes {
		return nil, fmt.Errorf("file too large to parse: %s (%d bytes)", path, info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &ParsedFile{
		Path:        path,
		Symbols:     ExtractSymbols(string(content)),
		ContentHash: ContentHash(content),
	}, nil
}

// ExtractSymbols runs the heuristic matchers over file content. Classes are
// scanned recursively for their methods. The output of this function is a
// stable contract: call-graph edges key on it.
func ExtractSymbols(content string) []Symbol {
	lines := strings.Split(content, "\n")
	var symbols []Symbol

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lineNo := i + 1

		if m := reFunction.FindStringSubmatch(line); m != nil {
			end := findBlockEnd(lines, i)
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindFunction,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    end,
				IsExported: m[1] != "",
				Parameters: strings.TrimSpace(m[3]),
				Returns:    strings.TrimSpace(m[4]),
			})
			continue
		}
		if m := reArrowFn.FindStringSubmatch(line); m != nil {
			end := findBlockEnd(lines, i)
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindFunction,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    end,
				IsExported: m[1] != "",
				Parameters: strings.TrimSpace(m[3]),
			})
			continue
		}
		if m := reClass.FindStringSubmatch(line); m != nil {
			end := findBlockEnd(lines, i)
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindClass,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    end,
				IsExported: m[1] != "",
			})
			symbols = append(symbols, extractMethods(lines, i+1, end, m[2])...)
			if end > i {
				i = end - 1
			}
			continue
		}
		if m := reInterface.FindStringSubmatch(line); m != nil {
			end := findBlockEnd(lines, i)
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindInterface,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    end,
				IsExported: m[1] != "",
			})
			if end > i {
				i = end - 1
			}
			continue
		}
		if m := reEnum.FindStringSubmatch(line); m != nil {
			end := findBlockEnd(lines, i)
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindEnum,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    end,
				IsExported: m[1] != "",
			})
			if end > i {
				i = end - 1
			}
			continue
		}
		if m := reTypeAlias.FindStringSubmatch(line); m != nil {
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindType,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    lineNo,
				IsExported: m[1] != "",
			})
			continue
		}
		if m := reConstant.FindStringSubmatch(line); m != nil {
			symbols = append(symbols, Symbol{
				Name:       m[2],
				Kind:       KindConstant,
				Signature:  strings.TrimSpace(line),
				LineStart:  lineNo,
				LineEnd:    lineNo,
				IsExported: m[1] != "",
			})
			continue
		}
	}
	return symbols
}

// extractMethods scans a class body for method declarations.
func extractMethods(lines []string, start, end int, className string) []Symbol {
	var methods []Symbol
	if end > len(lines) {
		end = len(lines)
	}
	for i := start; i < end; i++ {
		m := reMethod.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		name := m[1]
		if methodExclusions[name] {
			continue
		}
		methods = append(methods, Symbol{
			Name:        name,
			Kind:        KindMethod,
			Signature:   strings.TrimSpace(lines[i]),
			LineStart:   i + 1,
			LineEnd:     findBlockEnd(lines, i),
			IsExported:  !strings.Contains(lines[i], "private"),
			Parameters:  strings.TrimSpace(m[2]),
			Returns:     strings.TrimSpace(m[3]),
			ParentClass: className,
		})
	}
	return methods
}

// findBlockEnd returns the 1-based line where the brace block opened at
// startIdx closes, or the start line when no block opens.
func findBlockEnd(lines []string, startIdx int) int {
	depth := 0
	opened := false
	for i := startIdx; i < len(lines); i++ {
		for _, c := range lines[i] {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
				if opened && depth == 0 {
					return i + 1
				}
			}
		}
		// Declarations with no block on the first line (e.g. type aliases).
		if !opened && i > startIdx {
			return startIdx + 1
		}
	}
	if !opened {
		return startIdx + 1
	}
	return len(lines)
}

// BodyOf returns the source lines of a symbol's block, used by the call
// scanner.
func BodyOf(content string, sym Symbol) string {
	lines := strings.Split(content, "\n")
	start := sym.LineStart - 1
	end := sym.LineEnd
	if start < 0 || start >= len(lines) {
		return ""
	}
	if end > len(lines) {
		end = len(lines)
	}
	if end <= start {
		end = start + 1
	}
	return strings.Join(lines[start:end], "\n")
}
