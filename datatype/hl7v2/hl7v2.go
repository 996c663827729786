// Package hl7v2 converts HL7 v2.x messages between the ER7 pipe-and-hat
// wire form and the canonical XML form scripts operate on. Segment, field,
// repetition, component, and subcomponent structure is preserved, so the
// round trip ER7 -> ToXML -> FromXML is lossless for well-formed messages.
package hl7v2

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/plexushub/plexus"
)

const rootElement = "HL7Message"

// defaultSeparators are used when a message carries no MSH segment.
var defaultSeparators = separators{field: '|', component: '^', repetition: '~', escape: '\\', sub: '&'}

type separators struct {
	field      byte
	component  byte
	repetition byte
	escape     byte
	sub        byte
}

// DataType implements plexus.DataType for HL7 v2.x.
type DataType struct{}

var _ plexus.DataType = (*DataType)(nil)

// New returns the HL7 v2 data type.
func New() *DataType { return &DataType{} }

func (*DataType) Name() string { return "HL7V2" }

// ToXML parses an ER7 message into XML. Segments may be separated by CR,
// LF, or CRLF; the separators declared in MSH-1 and MSH-2 apply to the whole
// message.
func (*DataType) ToXML(raw string) (string, error) {
	norm := strings.ReplaceAll(raw, "\r\n", "\r")
	norm = strings.ReplaceAll(norm, "\n", "\r")
	norm = strings.TrimRight(norm, "\r")
	if norm == "" {
		return "", &plexus.ErrValidation{DataType: "HL7V2", Err: fmt.Errorf("empty message")}
	}

	sep := defaultSeparators
	var b strings.Builder
	b.WriteString("<" + rootElement + ">")
	for _, segment := range strings.Split(norm, "\r") {
		if segment == "" {
			continue
		}
		if len(segment) < 4 {
			return "", &plexus.ErrValidation{DataType: "HL7V2", Err: fmt.Errorf("segment %q too short", segment)}
		}
		name := segment[:3]
		if name == "MSH" {
			sep.field = segment[3]
			rest := strings.Split(segment[4:], string(sep.field))
			if len(rest) > 0 && len(rest[0]) >= 4 {
				enc := rest[0]
				sep.component, sep.repetition, sep.escape, sep.sub = enc[0], enc[1], enc[2], enc[3]
			}
			b.WriteString("<MSH>")
			// MSH-1 and MSH-2 hold the separators themselves and are never
			// split by them.
			writeText(&b, "MSH.1", string(sep.field))
			for i, field := range rest {
				if i == 0 {
					writeText(&b, "MSH.2", field)
					continue
				}
				writeField(&b, "MSH", i+2, field, sep)
			}
			b.WriteString("</MSH>")
			continue
		}
		parts := strings.Split(segment, string(sep.field))
		if parts[0] != name {
			return "", &plexus.ErrValidation{DataType: "HL7V2", Err: fmt.Errorf("segment %q has no field separator", segment)}
		}
		b.WriteString("<" + name + ">")
		for i, field := range parts[1:] {
			writeField(&b, name, i+1, field, sep)
		}
		b.WriteString("</" + name + ">")
	}
	b.WriteString("</" + rootElement + ">")
	return b.String(), nil
}

// writeField emits one field, splitting repetitions, components, and
// subcomponents into nested elements.
func writeField(b *strings.Builder, segment string, index int, field string, sep separators) {
	name := segment + "." + strconv.Itoa(index)
	for _, rep := range strings.Split(field, string(sep.repetition)) {
		if !strings.ContainsAny(rep, string(sep.component)+string(sep.sub)) {
			writeText(b, name, rep)
			continue
		}
		b.WriteString("<" + name + ">")
		for j, comp := range strings.Split(rep, string(sep.component)) {
			compName := name + "." + strconv.Itoa(j+1)
			if !strings.Contains(comp, string(sep.sub)) {
				writeText(b, compName, comp)
				continue
			}
			b.WriteString("<" + compName + ">")
			for k, sub := range strings.Split(comp, string(sep.sub)) {
				writeText(b, compName+"."+strconv.Itoa(k+1), sub)
			}
			b.WriteString("</" + compName + ">")
		}
		b.WriteString("</" + name + ">")
	}
}

func writeText(b *strings.Builder, name, text string) {
	b.WriteString("<" + name + ">")
	b.WriteString(escape(text))
	b.WriteString("</" + name + ">")
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// FromXML serializes the canonical XML form back to ER7. Separators come
// from the MSH.1 and MSH.2 values when present.
func (*DataType) FromXML(doc string) (string, error) {
	root, err := parseTree(doc)
	if err != nil {
		return "", &plexus.ErrValidation{DataType: "HL7V2", Err: err}
	}
	if root.name != rootElement {
		return "", &plexus.ErrValidation{DataType: "HL7V2", Err: fmt.Errorf("root element %q, want %s", root.name, rootElement)}
	}

	sep := defaultSeparators
	for _, segment := range root.children {
		if segment.name != "MSH" {
			continue
		}
		if f := segment.childText("MSH.1"); f != "" {
			sep.field = f[0]
		}
		if enc := segment.childText("MSH.2"); len(enc) >= 4 {
			sep.component, sep.repetition, sep.escape, sep.sub = enc[0], enc[1], enc[2], enc[3]
		}
		break
	}

	var segments []string
	for _, segment := range root.children {
		segments = append(segments, renderSegment(segment, sep))
	}
	return strings.Join(segments, "\r"), nil
}

func renderSegment(segment *node, sep separators) string {
	var fields []string
	lastIndex := 0
	for _, field := range segment.children {
		index := elementIndex(field.name)
		if segment.name == "MSH" {
			// MSH.1 is the separator itself; collecting starts at MSH.2,
			// which sits right after the segment name on the wire.
			if index <= 1 {
				continue
			}
			index--
		}
		value := renderField(field, sep)
		if index == lastIndex {
			// Same field index again: a repetition.
			fields[len(fields)-1] += string(sep.repetition) + value
			continue
		}
		for lastIndex+1 < index {
			fields = append(fields, "")
			lastIndex++
		}
		fields = append(fields, value)
		lastIndex = index
	}
	return segment.name + string(sep.field) + strings.Join(fields, string(sep.field))
}

func renderField(field *node, sep separators) string {
	if len(field.children) == 0 {
		return field.text
	}
	var comps []string
	for _, comp := range field.children {
		if len(comp.children) == 0 {
			comps = append(comps, comp.text)
			continue
		}
		var subs []string
		for _, sub := range comp.children {
			subs = append(subs, sub.text)
		}
		comps = append(comps, strings.Join(subs, string(sep.sub)))
	}
	return strings.Join(comps, string(sep.component))
}

// elementIndex extracts the trailing numeric index of names like "PID.3".
func elementIndex(name string) int {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[dot+1:])
	return n
}

// --- XML tree ---

type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) childText(name string) string {
	for _, c := range n.children {
		if c.name == name {
			return c.text
		}
	}
	return ""
}

func parseTree(doc string) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var stack []*node
	var root *node
	for {
		tok, err := dec.Token()
		if err != nil {
			if root != nil && len(stack) == 0 {
				return root, nil
			}
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			} else {
				return nil, fmt.Errorf("multiple root elements")
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				n := stack[len(stack)-1]
				if len(n.children) == 0 {
					n.text += string(t)
				}
			}
		}
	}
}

// DecodeCharset converts raw bytes in the named single-byte charset to
// UTF-8. Used by source connectors before dispatch; UTF-8 input passes
// through.
func DecodeCharset(b []byte, name string) (string, error) {
	var cm *charmap.Charmap
	switch strings.ToUpper(name) {
	case "", "UTF-8", "UTF8":
		return string(b), nil
	case "ISO-8859-1", "LATIN1":
		cm = charmap.ISO8859_1
	case "ISO-8859-2":
		cm = charmap.ISO8859_2
	case "ISO-8859-15":
		cm = charmap.ISO8859_15
	case "WINDOWS-1251", "CP1251":
		cm = charmap.Windows1251
	case "WINDOWS-1252", "CP1252":
		cm = charmap.Windows1252
	default:
		return "", fmt.Errorf("hl7v2: unsupported charset %q", name)
	}
	out, err := cm.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("hl7v2: decode %s: %w", name, err)
	}
	return string(out), nil
}
