package assemble

import (
	"encoding/json"
	"fmt"
	"strings"
)

// format renders the included memories in the requested output format.
func format(req Request, included []Memory, tokenCount int) string {
	switch req.Format {
	case FormatMarkdown:
		return formatMarkdown(included)
	case FormatNative:
		return formatNative(included)
	case FormatJSON:
		return formatJSON(included)
	default:
		return formatXML(req, included, tokenCount)
	}
}

// formatXML emits the bit-stable wire block:
//
//	<muninn-context app="A" [scope="S"] tokens="N">
//	  <TYPE[ subtype="…"] confidence="C.CC">CONTENT</TYPE>
//	</muninn-context>
func formatXML(req Request, included []Memory, tokenCount int) string {
	var b strings.Builder
	b.WriteString(`<muninn-context app="`)
	b.WriteString(xmlEscape(req.App))
	b.WriteString(`"`)
	if req.Scope != "" {
		b.WriteString(` scope="`)
		b.WriteString(xmlEscape(req.Scope))
		b.WriteString(`"`)
	}
	fmt.Fprintf(&b, ` tokens="%d">`, tokenCount)
	b.WriteString("\n")

	for _, m := range included {
		b.WriteString("  <")
		b.WriteString(m.Type)
		if m.Subtype != "" {
			fmt.Fprintf(&b, ` subtype="%s"`, xmlEscape(m.Subtype))
		}
		fmt.Fprintf(&b, ` confidence="%.2f">`, m.Confidence)
		content := m.Content
		if m.Title != "" && m.Title != m.Content {
			content = m.Title + ": " + m.Content
		}
		if m.Stale {
			content = "[possibly stale] " + content
		}
		b.WriteString(xmlEscape(content))
		b.WriteString("</")
		b.WriteString(m.Type)
		b.WriteString(">\n")
	}
	b.WriteString("</muninn-context>")
	return b.String()
}

func formatMarkdown(included []Memory) string {
	var b strings.Builder
	b.WriteString("## Relevant Context\n\n")
	for _, m := range included {
		label := m.Type
		if m.Subtype != "" {
			label += "." + m.Subtype
		}
		content := m.Content
		if m.Title != "" && m.Title != m.Content {
			content = m.Title + ": " + m.Content
		}
		if m.Stale {
			content += " _(possibly stale)_"
		}
		fmt.Fprintf(&b, "- **[%s, %.1f]** %s\n", label, m.Confidence, content)
	}
	return b.String()
}

// formatNative emits one compact bracketed record per memory:
// K[type|title|content|conf:N] with \ | [ ] escaped in values.
func formatNative(included []Memory) string {
	var b strings.Builder
	for _, m := range included {
		label := m.Type
		if m.Subtype != "" {
			label += "." + m.Subtype
		}
		b.WriteString(EncodeNativeRecord([]string{
			label, m.Title, m.Content, fmt.Sprintf("conf:%.1f", m.Confidence),
		}))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatJSON(included []Memory) string {
	type entry struct {
		ID         int64   `json:"id"`
		Type       string  `json:"type"`
		Subtype    string  `json:"subtype,omitempty"`
		Title      string  `json:"title"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Score      float64 `json:"score"`
		Stale      bool    `json:"stale,omitempty"`
	}
	entries := make([]entry, 0, len(included))
	for _, m := range included {
		entries = append(entries, entry{
			ID: m.ID, Type: m.Type, Subtype: m.Subtype, Title: m.Title,
			Content: m.Content, Confidence: m.Confidence, Score: m.Score, Stale: m.Stale,
		})
	}
	raw, _ := json.MarshalIndent(entries, "", "  ")
	return string(raw)
}

// EncodeNativeRecord serialises fields into K[a|b|c] with backslash escaping
// of \ | [ ] inside values.
func EncodeNativeRecord(fields []string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = nativeEscape(f)
	}
	return "K[" + strings.Join(escaped, "|") + "]"
}

// ParseNativeRecord is the inverse of EncodeNativeRecord. Returns an error
// for records that are not well-formed.
func ParseNativeRecord(record string) ([]string, error) {
	if !strings.HasPrefix(record, "K[") || !strings.HasSuffix(record, "]") {
		return nil, fmt.Errorf("malformed native record")
	}
	body := record[2 : len(record)-1]

	var fields []string
	var cur strings.Builder
	escaped := false
	for _, c := range body {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '|':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if escaped {
		return nil, fmt.Errorf("dangling escape in native record")
	}
	fields = append(fields, cur.String())
	return fields, nil
}

var nativeEscaper = strings.NewReplacer(
	`\`, `\\`,
	`|`, `\|`,
	`[`, `\[`,
	`]`, `\]`,
)

func nativeEscape(s string) string {
	return nativeEscaper.Replace(s)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
