// Package proof validates the references a claimer submits as evidence of
// completion. Only the format of a reference is checked; the referenced
// content is never fetched.
package proof

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
)

var (
	// ErrInvalidReference is returned for every malformed reference.
	ErrInvalidReference = errors.New("proof: invalid reference")
)

const (
	SchemeIPFS   = "ipfs"
	SchemeCID    = "cid"
	SchemeSHA256 = "sha256"

	DefaultMaxLength = 256
)

var (
	labelPattern  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Reference is a validated proof reference.
type Reference struct {
	Raw    string
	Scheme string
	Value  string
	// CID is set when the value decodes as a content identifier.
	CID cid.Cid
}

// HasCID reports whether the reference carries a decodable content identifier.
func (r Reference) HasCID() bool {
	return r.CID.Defined()
}

// Rules configures the validator.
type Rules struct {
	MaxLength      int
	AllowedSchemes []string
}

// DefaultRules accepts every supported scheme.
func DefaultRules() Rules {
	return Rules{
		MaxLength:      DefaultMaxLength,
		AllowedSchemes: []string{SchemeIPFS, SchemeCID, SchemeSHA256},
	}
}

// Validator checks proof references before a submission is accepted.
type Validator interface {
	Validate(ref string) (Reference, error)
}

// ReferenceValidator accepts:
//
//	ipfs://<cid>     a decodable CIDv0/CIDv1
//	<cid>            a bare decodable CID, treated as ipfs
//	cid:<label>      an alphanumeric content-address label, decoded as a CID when possible
//	sha256:<digest>  64 lowercase hex characters
type ReferenceValidator struct {
	rules   Rules
	allowed map[string]bool
}

var _ Validator = (*ReferenceValidator)(nil)

func NewValidator(rules Rules) *ReferenceValidator {
	if rules.MaxLength <= 0 {
		rules.MaxLength = DefaultMaxLength
	}
	if len(rules.AllowedSchemes) == 0 {
		rules.AllowedSchemes = DefaultRules().AllowedSchemes
	}
	allowed := make(map[string]bool, len(rules.AllowedSchemes))
	for _, s := range rules.AllowedSchemes {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &ReferenceValidator{rules: rules, allowed: allowed}
}

func (v *ReferenceValidator) Validate(ref string) (Reference, error) {
	if ref == "" {
		return Reference{}, fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	if len(ref) > v.rules.MaxLength {
		return Reference{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidReference, v.rules.MaxLength)
	}
	if strings.TrimSpace(ref) != ref || strings.ContainsAny(ref, " \t\r\n") {
		return Reference{}, fmt.Errorf("%w: contains whitespace", ErrInvalidReference)
	}

	scheme, value := splitScheme(ref)
	if !v.allowed[scheme] {
		return Reference{}, fmt.Errorf("%w: scheme %q not accepted", ErrInvalidReference, scheme)
	}
	if value == "" {
		return Reference{}, fmt.Errorf("%w: missing value after %q", ErrInvalidReference, scheme)
	}

	out := Reference{Raw: ref, Scheme: scheme, Value: value}
	switch scheme {
	case SchemeIPFS:
		c, err := cid.Decode(value)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		out.CID = c
	case SchemeCID:
		if !labelPattern.MatchString(value) {
			return Reference{}, fmt.Errorf("%w: label %q is not alphanumeric", ErrInvalidReference, value)
		}
		if c, err := cid.Decode(value); err == nil {
			out.CID = c
		}
	case SchemeSHA256:
		if !sha256Pattern.MatchString(value) {
			return Reference{}, fmt.Errorf("%w: sha256 digest must be 64 lowercase hex characters", ErrInvalidReference)
		}
	default:
		return Reference{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, scheme)
	}
	return out, nil
}

func splitScheme(ref string) (string, string) {
	if rest, ok := strings.CutPrefix(ref, "ipfs://"); ok {
		return SchemeIPFS, rest
	}
	if i := strings.Index(ref, ":"); i > 0 {
		return strings.ToLower(ref[:i]), ref[i+1:]
	}
	// a bare reference must be a CID
	return SchemeIPFS, ref
}
