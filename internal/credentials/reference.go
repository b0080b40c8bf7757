// Package credentials models how a worker's venue token is referenced and
// turns a reference into the usable secret at activation time.
package credentials

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags a Reference
type Kind int

const (
	// KindLiteral references carry the secret itself.
	KindLiteral Kind = iota + 1
	// KindIndirect references name a configuration entry holding the secret.
	KindIndirect
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindIndirect:
		return "indirect"
	default:
		return "unknown"
	}
}

// legacyIndirectPrefix marks indirect tokens in rows written before the kind column existed
const legacyIndirectPrefix = "ENV:"

// ErrInvalidReference is returned when a stored reference cannot be decoded
var ErrInvalidReference = errors.New("invalid credential reference")

// Reference is either Literal(secret) or Indirect(name). The zero value is invalid.
type Reference struct {
	kind  Kind
	value string
}

// Literal builds a reference that carries the secret itself
func Literal(secret string) Reference {
	return Reference{kind: KindLiteral, value: secret}
}

// Indirect builds a reference to a named configuration entry
func Indirect(name string) Reference {
	return Reference{kind: KindIndirect, value: name}
}

func (r Reference) Kind() Kind { return r.kind }

// Name returns the configuration entry name of an indirect reference
func (r Reference) Name() string {
	if r.kind != KindIndirect {
		return ""
	}
	return r.value
}

func (r Reference) IsZero() bool { return r.kind == 0 }

// Validate checks the reference is well formed
func (r Reference) Validate() error {
	switch r.kind {
	case KindLiteral:
		if r.value == "" {
			return fmt.Errorf("%w: empty literal", ErrInvalidReference)
		}
	case KindIndirect:
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidReference)
		}
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidReference)
	}
	return nil
}

// String never prints a literal secret
func (r Reference) String() string {
	switch r.kind {
	case KindLiteral:
		return "literal(" + Redact(r.value) + ")"
	case KindIndirect:
		return "indirect(" + r.value + ")"
	default:
		return "invalid"
	}
}

// Encode returns the store representation. Only the durable store boundary calls it.
func (r Reference) Encode() (kind, value string) {
	return r.kind.String(), r.value
}

// Decode rebuilds a reference from its store representation
func Decode(kind, value string) (Reference, error) {
	var ref Reference
	switch kind {
	case "literal":
		ref = Literal(value)
	case "indirect":
		ref = Indirect(value)
	case "":
		ref = DecodeLegacy(value)
	default:
		return Reference{}, fmt.Errorf("%w: kind %q", ErrInvalidReference, kind)
	}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// DecodeLegacy reads the single-column token format where "ENV:NAME" meant an
// environment lookup and anything else was the secret itself.
func DecodeLegacy(token string) Reference {
	if name, ok := strings.CutPrefix(token, legacyIndirectPrefix); ok {
		return Indirect(name)
	}
	return Literal(token)
}

// Redact keeps only the last four characters of a secret
func Redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
