package plexus

// DataType converts between a wire format and the canonical XML form that
// filter and transformer scripts operate on. Implementations live under
// datatype/ (hl7v2, delimited, rawxml). The round trip raw -> ToXML ->
// FromXML must be lossless for well-formed input.
type DataType interface {
	// Name identifies the data type (e.g. "HL7V2", "DELIMITED", "XML").
	Name() string
	// ToXML parses a raw wire message into XML.
	ToXML(raw string) (string, error)
	// FromXML serializes XML back to the wire form.
	FromXML(xml string) (string, error)
}

// rawDataType is the identity data type used when a connector has none
// configured: the wire form and canonical form are the same string.
type rawDataType struct{}

func (rawDataType) Name() string                       { return "RAW" }
func (rawDataType) ToXML(raw string) (string, error)   { return raw, nil }
func (rawDataType) FromXML(xml string) (string, error) { return xml, nil }

// RawDataType returns the identity data type.
func RawDataType() DataType { return rawDataType{} }
