package domain

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

type ExtractionRequest struct {
	SpanID    string       `json:"span_id"`
	Text      string       `json:"text"`
	TypeHints []EntityType `json:"type_hints,omitempty"`
}

// RawTriple is the loosely-typed shape an extraction adapter decodes from the
// model response. Nothing in it is trusted until ValidateTriple accepts it.
type RawTriple struct {
	Subject     string   `json:"subject"`
	SubjectType string   `json:"subject_type,omitempty"`
	Predicate   string   `json:"predicate"`
	Object      string   `json:"object"`
	ObjectType  string   `json:"object_type,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// CandidateTriple is a validated extraction ready for normalization.
type CandidateTriple struct {
	Subject     string
	SubjectType EntityType
	Predicate   string
	Object      string
	ObjectType  EntityType
	Confidence  float64
}

const DefaultExtractionConfidence = 1.0

func ValidateTriple(raw RawTriple) (CandidateTriple, error) {
	subject := strings.TrimSpace(raw.Subject)
	predicate := strings.TrimSpace(raw.Predicate)
	object := strings.TrimSpace(raw.Object)

	fields := []struct{ name, value string }{
		{"subject", subject},
		{"predicate", predicate},
		{"object", object},
	}
	for _, f := range fields {
		if f.value == "" {
			return CandidateTriple{}, fmt.Errorf("%w: empty %s", ErrMalformedInput, f.name)
		}
		if !utf8.ValidString(f.value) {
			return CandidateTriple{}, fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedInput, f.name)
		}
	}

	confidence := DefaultExtractionConfidence
	if raw.Confidence != nil {
		confidence = *raw.Confidence
		if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
			return CandidateTriple{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedInput, confidence)
		}
	}

	return CandidateTriple{
		Subject:     subject,
		SubjectType: EntityType(strings.ToLower(strings.TrimSpace(raw.SubjectType))),
		Predicate:   predicate,
		Object:      object,
		ObjectType:  EntityType(strings.ToLower(strings.TrimSpace(raw.ObjectType))),
		Confidence:  confidence,
	}, nil
}
