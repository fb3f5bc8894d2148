// Package labeling models the human-labeling platform's code schemes and
// messages, and declares the client contract the sync core consumes.
package labeling

import (
	"fmt"
	"strings"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
)

// Control meanings a code can carry beyond its string value.
const (
	ControlCodeNotCoded    = "NC"
	ControlCodeCodingError = "CE"
	ControlCodeWrongScheme = "WS"
	ControlCodeStop        = "STOP"
)

// CodeIDManuallyUncoded is a reserved code id labelers use to explicitly
// clear a scheme. It is valid under every scheme.
const CodeIDManuallyUncoded = "SPECIAL-MANUALLY_UNCODED"

type Code struct {
	CodeID      string `json:"codeId" yaml:"codeId"`
	DisplayText string `json:"displayText,omitempty" yaml:"displayText,omitempty"`
	StringValue string `json:"stringValue" yaml:"stringValue"`
	ControlCode string `json:"controlCode,omitempty" yaml:"controlCode,omitempty"`
}

type CodeScheme struct {
	SchemeID string `json:"schemeId" yaml:"schemeId"`
	Name     string `json:"name" yaml:"name"`
	Codes    []Code `json:"codes" yaml:"codes"`
}

func (s CodeScheme) CodeWithID(codeID string) (Code, error) {
	for _, code := range s.Codes {
		if code.CodeID == codeID {
			return code, nil
		}
	}
	return Code{}, fmt.Errorf("code id %q not found in scheme %q (id %s)", codeID, s.Name, s.SchemeID)
}

func (s CodeScheme) CodeWithControl(controlCode string) (Code, error) {
	for _, code := range s.Codes {
		if code.ControlCode == controlCode {
			return code, nil
		}
	}
	return Code{}, fmt.Errorf("no code with control code %q in scheme %q (id %s)", controlCode, s.Name, s.SchemeID)
}

// MatchesSchemeID reports whether labelSchemeID belongs to this scheme,
// accepting duplicated scheme ids (a base id with a '-1', '-2'… suffix).
func (s CodeScheme) MatchesSchemeID(labelSchemeID string) bool {
	return labelSchemeID == s.SchemeID || strings.HasPrefix(labelSchemeID, s.SchemeID+"-")
}

// CodeForLabel resolves the given label's code against the first scheme its
// scheme id belongs to.
func CodeForLabel(label engagement.Label, schemes []CodeScheme) (Code, error) {
	for _, scheme := range schemes {
		if scheme.MatchesSchemeID(label.SchemeID) {
			return scheme.CodeWithID(label.CodeID)
		}
	}
	schemeIDs := make([]string, len(schemes))
	for i, scheme := range schemes {
		schemeIDs[i] = scheme.SchemeID
	}
	return Code{}, fmt.Errorf("label's scheme id %q is not in any of the given code schemes (%s)",
		label.SchemeID, strings.Join(schemeIDs, ", "))
}

// MakeLabel builds a label assigning the given code under the scheme.
func MakeLabel(scheme CodeScheme, code Code, checked bool, at time.Time) engagement.Label {
	return engagement.Label{
		SchemeID:    scheme.SchemeID,
		CodeID:      code.CodeID,
		DateTimeUTC: at.UTC(),
		Checked:     checked,
	}
}

// AutoCoder maps raw message text to the string value of a code, or reports
// that the text could not be coded automatically.
type AutoCoder func(text string) (stringValue string, ok bool)

// ApplyAutoCoder runs an auto-coder against text and, on a match that
// resolves to a code in the scheme, returns the corresponding label.
func ApplyAutoCoder(coder AutoCoder, text string, scheme CodeScheme, at time.Time) (engagement.Label, bool) {
	if coder == nil {
		return engagement.Label{}, false
	}
	value, ok := coder(text)
	if !ok {
		return engagement.Label{}, false
	}
	for _, code := range scheme.Codes {
		if code.StringValue == value {
			return MakeLabel(scheme, code, false, at), true
		}
	}
	return engagement.Label{}, false
}
