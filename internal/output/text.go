package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
)

// Textln outputs plain text with a newline to the formatter's writer
func (f *Formatter) Textln(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// Line outputs a blank line
func (f *Formatter) Line() {
	fmt.Fprintln(f.writer)
}

// Printf writes formatted text to the formatter's writer
func (f *Formatter) Printf(format string, v ...interface{}) {
	fmt.Fprintf(f.writer, format, v...)
}

// Println writes text with newline to the formatter's writer
func (f *Formatter) Println(v ...interface{}) {
	fmt.Fprintln(f.writer, v...)
}

// Wrap word-wraps text to the given display width.
func Wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wordwrap.String(s, width)
}

// Truncate shortens text to the given display width, appending an ellipsis
// when anything was cut. Widths account for wide runes.
func Truncate(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return truncate.StringWithTail(s, uint(width), "…")
}

// Table outputs tabular data in text format. Column widths are computed in
// display cells, not bytes, so wide runes line up.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &Table{
		writer:  w,
		headers: headers,
		widths:  widths,
	}
}

// AddRow adds a row of cells, padding or dropping to the header count.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range t.headers {
		if i < len(cells) {
			row[i] = cells[i]
		}
		if w := runewidth.StringWidth(row[i]); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, row)
}

// Render writes the table.
func (t *Table) Render() error {
	if err := t.writeRow(t.headers); err != nil {
		return err
	}

	sep := make([]string, len(t.headers))
	for i, w := range t.widths {
		sep[i] = strings.Repeat("-", w)
	}
	if err := t.writeRow(sep); err != nil {
		return err
	}

	for _, row := range t.rows {
		if err := t.writeRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) writeRow(cells []string) error {
	var sb strings.Builder
	for i, cell := range cells {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(cell)
		if i < len(cells)-1 {
			pad := t.widths[i] - runewidth.StringWidth(cell)
			if pad > 0 {
				sb.WriteString(strings.Repeat(" ", pad))
			}
		}
	}
	_, err := fmt.Fprintln(t.writer, sb.String())
	return err
}
