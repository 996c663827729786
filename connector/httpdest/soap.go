package httpdest

import (
	"encoding/xml"
	"strings"
)

// detectFault scans a response body for a SOAP fault element and returns the
// fault text, or "" when the body is not a fault. The body is parsed once;
// a fault classifies as an application error regardless of the HTTP status.
func detectFault(body string) string {
	if !strings.Contains(body, "Fault") {
		return ""
	}
	dec := xml.NewDecoder(strings.NewReader(body))
	inFault := false
	inReason := false
	var reason strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Fault":
				inFault = true
			case "faultstring", "Reason", "Text":
				if inFault {
					inReason = true
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "Fault":
				if inFault && reason.Len() == 0 {
					return "fault without reason"
				}
				inFault = false
			case "faultstring", "Reason", "Text":
				inReason = false
			}
		case xml.CharData:
			if inReason {
				reason.Write(t)
			}
		}
	}
	if !inFault && reason.Len() == 0 {
		return ""
	}
	return strings.TrimSpace(reason.String())
}
