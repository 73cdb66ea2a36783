package connectors

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// ConsoleOptions configures a Console sink.
type ConsoleOptions struct {
	MaxRows int32 `yaml:"max_rows"`
}

// Console prints batches as pipe tables, and watermarks and stream
// statuses as one line each, in the order they arrive.
type Console struct {
	maxRows int32
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console sink. maxRows <= 0 prints every row.
func NewConsole(maxRows int32) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Open(_ *operator.Context) error { return nil }

func (c *Console) WriteBatch(batch arrow.Record) error {
	total := int(batch.NumRows())
	shown := total
	if c.maxRows > 0 && shown > int(c.maxRows) {
		shown = int(c.maxRows)
	}

	cells, widths := tableCells(batch, shown)
	var sb strings.Builder
	for i, row := range cells {
		writeTableLine(&sb, row, widths, ' ', " | ")
		if i == 0 {
			rule := make([]string, len(widths))
			writeTableLine(&sb, rule, widths, '-', "-|-")
		}
	}
	if total > shown {
		fmt.Fprintf(&sb, "... (%d more rows)\n", total-shown)
	}
	sb.WriteByte('\n')

	c.count += batch.NumRows()
	_, err := io.WriteString(c.writer, sb.String())
	return err
}

func (c *Console) WriteWatermark(wm operator.Watermark) error {
	_, err := fmt.Fprintf(c.writer, "watermark: %s\n", wm)
	return err
}

func (c *Console) WriteStreamStatus(status operator.StreamStatus) error {
	_, err := fmt.Fprintf(c.writer, "stream status: %s\n", status)
	return err
}

// Rows returns the number of rows written so far, including rows not shown.
func (c *Console) Rows() int64 { return c.count }

func (c *Console) Close() error { return nil }

// tableCells renders the header and the first rows of batch, and the width of each column.
func tableCells(batch arrow.Record, rows int) ([][]string, []int) {
	schema := batch.Schema()
	cols := schema.NumFields()

	cells := make([][]string, 0, rows+1)
	header := make([]string, cols)
	widths := make([]int, cols)
	for i := range header {
		header[i] = schema.Field(i).Name
		widths[i] = len(header[i])
	}
	cells = append(cells, header)

	for row := 0; row < rows; row++ {
		line := make([]string, cols)
		for col := range line {
			line[col] = formatValue(batch.Column(col), row)
			widths[col] = max(widths[col], len(line[col]))
		}
		cells = append(cells, line)
	}
	return cells, widths
}

// writeTableLine writes one "| a | b |" line, padding each cell with pad.
func writeTableLine(sb *strings.Builder, cells []string, widths []int, pad byte, sep string) {
	edge := string(pad)
	sb.WriteString("|" + edge)
	for i, w := range widths {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(cells[i])
		sb.WriteString(strings.Repeat(edge, w-len(cells[i])))
	}
	sb.WriteString(edge + "|\n")
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', 4, 64)
	case *array.Float32:
		return strconv.FormatFloat(float64(a.Value(row)), 'f', 4, 32)
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).UTC().Format("2006-01-02T15:04:05.000Z")
	default:
		return arr.ValueStr(row)
	}
}
