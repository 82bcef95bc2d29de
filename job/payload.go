package job

import "fmt"

// Style selects the artistic rendering of the transform. The core does
// not interpret styles beyond validating them at submit time; the
// processing function gives them meaning.
type Style string

const (
	StylePencil     Style = "pencil"
	StyleCharcoal   Style = "charcoal"
	StyleWatercolor Style = "watercolor"
	StyleInk        Style = "ink"
)

// Method selects the processing pipeline variant.
type Method string

const (
	MethodBasic    Method = "basic"
	MethodAdvanced Method = "advanced"
	MethodArtistic Method = "artistic"
)

// Payload references the input of a transform. InputRef is an opaque
// object-store key; the core never dereferences it.
type Payload struct {
	InputRef string `json:"input_ref"`
	Style    Style  `json:"style"`
	Method   Method `json:"method"`
}

// Validate rejects payloads with an empty input reference or a
// style/method outside the known vocabulary.
func (p Payload) Validate() error {
	if p.InputRef == "" {
		return fmt.Errorf("job: payload has empty input ref")
	}
	switch p.Style {
	case StylePencil, StyleCharcoal, StyleWatercolor, StyleInk:
	default:
		return fmt.Errorf("job: unknown style %q", p.Style)
	}
	switch p.Method {
	case MethodBasic, MethodAdvanced, MethodArtistic:
	default:
		return fmt.Errorf("job: unknown method %q", p.Method)
	}
	return nil
}

// Equal reports whether two payloads are identical. Used by the
// registry to decide whether a resubmitted job id is an idempotent
// retry or a conflicting reuse.
func (p Payload) Equal(other Payload) bool {
	return p == other
}
