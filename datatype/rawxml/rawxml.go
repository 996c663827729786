// Package rawxml handles messages that are already XML. The wire form and
// the canonical form are the same document; ToXML only checks
// well-formedness so downstream scripts never see a broken tree.
package rawxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/plexushub/plexus"
)

// DataType implements plexus.DataType for native XML payloads.
type DataType struct{}

var _ plexus.DataType = (*DataType)(nil)

// New returns the XML data type.
func New() *DataType { return &DataType{} }

func (*DataType) Name() string { return "XML" }

// ToXML validates raw and returns it unchanged.
func (*DataType) ToXML(raw string) (string, error) {
	if err := checkWellFormed(raw); err != nil {
		return "", &plexus.ErrValidation{DataType: "XML", Err: err}
	}
	return raw, nil
}

// FromXML returns the document unchanged. Transformed output is validated on
// the way out for the same reason inbound payloads are on the way in.
func (*DataType) FromXML(doc string) (string, error) {
	if err := checkWellFormed(doc); err != nil {
		return "", &plexus.ErrValidation{DataType: "XML", Err: err}
	}
	return doc, nil
}

func checkWellFormed(doc string) error {
	dec := xml.NewDecoder(strings.NewReader(doc))
	roots := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if roots == 0 {
				return fmt.Errorf("no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return fmt.Errorf("multiple root elements")
				}
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
}
