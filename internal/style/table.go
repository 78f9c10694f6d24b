package style

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Alignment controls horizontal cell placement.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

// Column describes one table column.
type Column struct {
	Name  string
	Width int
	Align Alignment
}

// Table renders fixed-width columnar output with styled headers. Cells wider
// than their column are truncated with an ellipsis.
type Table struct {
	columns   []Column
	rows      [][]string
	headerSep bool
	indent    string
}

// NewTable creates a table with the given columns, a header separator, and a
// two-space indent.
func NewTable(columns ...Column) *Table {
	return &Table{
		columns:   columns,
		headerSep: true,
		indent:    "  ",
	}
}

// SetIndent sets the prefix for every rendered line.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// SetHeaderSeparator toggles the line under the header row.
func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends a row. Missing cells are padded with empty strings; extra
// cells are dropped.
func (t *Table) AddRow(values ...string) *Table {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
	return t
}

// Render produces the table as a string, one trailing newline per line.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var b strings.Builder

	header := make([]string, len(t.columns))
	for i, col := range t.columns {
		plain := t.fit(col.Name, col.Width)
		header[i] = t.pad(Header.Render(plain), plain, col.Width, col.Align)
	}
	b.WriteString(t.indent + strings.Join(header, "  ") + "\n")

	if t.headerSep {
		sep := make([]string, len(t.columns))
		for i, col := range t.columns {
			sep[i] = strings.Repeat("─", col.Width)
		}
		b.WriteString(t.indent + Dim.Render(strings.Join(sep, "──")) + "\n")
	}

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			plain := t.fit(row[i], col.Width)
			cells[i] = t.pad(plain, plain, col.Width, col.Align)
		}
		b.WriteString(t.indent + strings.Join(cells, "  ") + "\n")
	}
	return b.String()
}

// fit truncates a plain string to width, ending in "..." when cut.
func (t *Table) fit(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}

// pad aligns styled within width using the plain (unstyled) text for
// measurement. Text at or over width is returned unchanged.
func (t *Table) pad(styled, plain string, width int, align Alignment) string {
	gap := width - utf8.RuneCountInString(plain)
	if gap <= 0 {
		return styled
	}
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + styled
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + styled + strings.Repeat(" ", gap-left)
	default:
		return styled + strings.Repeat(" ", gap)
	}
}

var ansiRe = regexp.MustCompile("\x1b\\[[0-9;]*m")

// stripAnsi removes SGR escape sequences, for measuring styled text.
func stripAnsi(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
