// Package delimited converts delimited text (CSV and friends) between the
// wire form and the canonical XML form. Rows become <row> elements and
// columns become child elements named either column1..N or the configured
// column names.
package delimited

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/plexushub/plexus"
)

const rootElement = "delimited"

// DataType implements plexus.DataType for delimited text.
type DataType struct {
	columnDelimiter string
	recordDelimiter string
	columnNames     []string
}

var _ plexus.DataType = (*DataType)(nil)

// Option configures a DataType.
type Option func(*DataType)

// WithColumnDelimiter sets the column separator. Default ",".
func WithColumnDelimiter(d string) Option {
	return func(dt *DataType) { dt.columnDelimiter = d }
}

// WithRecordDelimiter sets the row separator. Default "\n".
func WithRecordDelimiter(d string) Option {
	return func(dt *DataType) { dt.recordDelimiter = d }
}

// WithColumnNames names the columns, in order. Columns beyond the named set
// fall back to columnN.
func WithColumnNames(names ...string) Option {
	return func(dt *DataType) { dt.columnNames = names }
}

// New returns a delimited data type with the given options applied.
func New(opts ...Option) *DataType {
	dt := &DataType{columnDelimiter: ",", recordDelimiter: "\n"}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

func (*DataType) Name() string { return "DELIMITED" }

// ToXML splits raw into rows and columns. Empty rows are kept so the round
// trip back to the wire form is exact, including any trailing record
// delimiter.
func (d *DataType) ToXML(raw string) (string, error) {
	var b strings.Builder
	b.WriteString("<" + rootElement + ">")
	for _, row := range strings.Split(raw, d.recordDelimiter) {
		b.WriteString("<row>")
		for i, col := range strings.Split(row, d.columnDelimiter) {
			name := d.columnName(i)
			b.WriteString("<" + name + ">")
			b.WriteString(escape(col))
			b.WriteString("</" + name + ">")
		}
		b.WriteString("</row>")
	}
	b.WriteString("</" + rootElement + ">")
	return b.String(), nil
}

func (d *DataType) columnName(i int) string {
	if i < len(d.columnNames) {
		return d.columnNames[i]
	}
	return "column" + strconv.Itoa(i+1)
}

// FromXML joins the <row> elements back into delimited text. Columns are
// taken in document order; element names are not consulted, so renamed or
// reordered columns serialize exactly as they appear.
func (d *DataType) FromXML(doc string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var rows []string
	var cols []string
	var text strings.Builder
	depth := 0
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if sawRoot && depth == 0 {
				break
			}
			return "", &plexus.ErrValidation{DataType: "DELIMITED", Err: fmt.Errorf("parse xml: %w", err)}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if t.Name.Local != rootElement {
					return "", &plexus.ErrValidation{DataType: "DELIMITED", Err: fmt.Errorf("root element %q, want %s", t.Name.Local, rootElement)}
				}
				sawRoot = true
			case 2:
				if t.Name.Local != "row" {
					return "", &plexus.ErrValidation{DataType: "DELIMITED", Err: fmt.Errorf("unexpected element %q, want row", t.Name.Local)}
				}
				cols = cols[:0]
			case 3:
				text.Reset()
			default:
				return "", &plexus.ErrValidation{DataType: "DELIMITED", Err: fmt.Errorf("nested element %q below column level", t.Name.Local)}
			}
		case xml.EndElement:
			switch depth {
			case 2:
				rows = append(rows, strings.Join(cols, d.columnDelimiter))
			case 3:
				cols = append(cols, text.String())
			}
			depth--
		case xml.CharData:
			if depth == 3 {
				text.Write(t)
			}
		}
	}
	return strings.Join(rows, d.recordDelimiter), nil
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
