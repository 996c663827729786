package hl7v2

import (
	"strings"
	"testing"
)

const adtMessage = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20260102030405||ADT^A01|MSG00001|P|2.4\r" +
	"PID|1||12345^^^HOSP^MR||DOE^JOHN^Q||19700101|M\r" +
	"PV1|1|I|2000^2012^01"

func TestToXMLStructure(t *testing.T) {
	d := New()
	doc, err := d.ToXML(adtMessage)
	if err != nil {
		t.Fatalf("ToXML: %v", err)
	}
	for _, want := range []string{
		"<HL7Message>",
		"<MSH.1>|</MSH.1>",
		"<MSH.2>^~\\&amp;</MSH.2>",
		"<MSH.9><MSH.9.1>ADT</MSH.9.1><MSH.9.2>A01</MSH.9.2></MSH.9>",
		"<PID.5><PID.5.1>DOE</PID.5.1><PID.5.2>JOHN</PID.5.2><PID.5.3>Q</PID.5.3></PID.5>",
		"<PID.2></PID.2>",
		"<PV1.3><PV1.3.1>2000</PV1.3.1><PV1.3.2>2012</PV1.3.2><PV1.3.3>01</PV1.3.3></PV1.3>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %s:\n%s", want, doc)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"adt", adtMessage},
		{"repetitions", "MSH|^~\\&|APP|FAC|||20260101||ORU^R01|1|P|2.4\rPID|1||A~B~C||X^Y"},
		{"subcomponents", "MSH|^~\\&|APP|FAC\rOBX|1|CE|GLU^Glucose&Serum^L"},
		{"trailing empty fields", "MSH|^~\\&|APP|FAC\rPID|1||||"},
		{"no msh segment", "ZZZ|a|b^c|d"},
	}
	d := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := d.ToXML(tt.raw)
			if err != nil {
				t.Fatalf("ToXML: %v", err)
			}
			back, err := d.FromXML(doc)
			if err != nil {
				t.Fatalf("FromXML: %v", err)
			}
			if back != tt.raw {
				t.Fatalf("round trip mismatch:\n got %q\nwant %q", back, tt.raw)
			}
		})
	}
}

func TestToXMLNormalizesLineEndings(t *testing.T) {
	d := New()
	cr, err := d.ToXML("MSH|^~\\&|APP|FAC\rPID|1")
	if err != nil {
		t.Fatalf("ToXML: %v", err)
	}
	lf, err := d.ToXML("MSH|^~\\&|APP|FAC\nPID|1")
	if err != nil {
		t.Fatalf("ToXML lf: %v", err)
	}
	crlf, err := d.ToXML("MSH|^~\\&|APP|FAC\r\nPID|1\r\n")
	if err != nil {
		t.Fatalf("ToXML crlf: %v", err)
	}
	if cr != lf || cr != crlf {
		t.Fatal("line ending variants produced different documents")
	}
}

func TestToXMLRejectsGarbage(t *testing.T) {
	d := New()
	for _, raw := range []string{"", "MS", "PID"} {
		if _, err := d.ToXML(raw); err == nil {
			t.Fatalf("ToXML(%q) accepted invalid input", raw)
		}
	}
}

func TestFromXMLRejectsWrongRoot(t *testing.T) {
	d := New()
	if _, err := d.FromXML("<Other><MSH/></Other>"); err == nil {
		t.Fatal("wrong root element accepted")
	}
	if _, err := d.FromXML("<HL7Message><MSH>"); err == nil {
		t.Fatal("truncated document accepted")
	}
}

func TestCustomSeparators(t *testing.T) {
	raw := "MSH#*~\\&#APP#FAC\rPID#1##A*B"
	d := New()
	doc, err := d.ToXML(raw)
	if err != nil {
		t.Fatalf("ToXML: %v", err)
	}
	if !strings.Contains(doc, "<PID.3><PID.3.1>A</PID.3.1><PID.3.2>B</PID.3.2></PID.3>") {
		t.Fatalf("custom component separator not honored:\n%s", doc)
	}
	back, err := d.FromXML(doc)
	if err != nil {
		t.Fatalf("FromXML: %v", err)
	}
	if back != raw {
		t.Fatalf("round trip mismatch:\n got %q\nwant %q", back, raw)
	}
}

func TestDecodeCharset(t *testing.T) {
	// 0xE9 is e-acute in ISO-8859-1.
	got, err := DecodeCharset([]byte{'P', 0xE9}, "ISO-8859-1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "P\u00e9" {
		t.Fatalf("decoded = %q", got)
	}

	passthrough, err := DecodeCharset([]byte("plain"), "")
	if err != nil || passthrough != "plain" {
		t.Fatalf("utf-8 passthrough = %q, %v", passthrough, err)
	}

	if _, err := DecodeCharset([]byte("x"), "EBCDIC"); err == nil {
		t.Fatal("unknown charset accepted")
	}
}

func TestName(t *testing.T) {
	if New().Name() != "HL7V2" {
		t.Fatal("unexpected data type name")
	}
}
