// Package id produces collision-free opaque identifiers for every
// entity in the coordination store.
//
// Identifiers have the shape {prefix}_{16 lowercase hex chars}, where
// the body is 64 bits read directly from the system entropy source.
// The generator never consults counters and never reads previous
// identifiers; uniqueness rests on the birthday bound of the 64-bit
// body, which is practically unreachable for this system.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"agora/internal/api"
)

// Prefix tags an identifier with its entity type.
type Prefix string

const (
	PrefixAgent      Prefix = "agent"
	PrefixCapability Prefix = "cap"
	PrefixMessage    Prefix = "msg"
	PrefixTask       Prefix = "task"
	PrefixWorkflow   Prefix = "wf"
	PrefixStep       Prefix = "step"
	PrefixEvent      Prefix = "evt"
	PrefixAudit      Prefix = "audit"
)

var idPattern = regexp.MustCompile(`^(agent|cap|msg|task|wf|step|evt|audit)_[0-9a-f]{16}$`)

// New returns a fresh identifier for the given prefix. It fails with
// IdGenerationError only when the entropy source is unavailable, in
// which case the caller should retry.
func New(prefix Prefix) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", api.NewError(api.KindIDGeneration, "entropy source unavailable: %v", err)
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b[:])), nil
}

// MustNew is New for callers that treat entropy exhaustion as fatal,
// such as test fixtures.
func MustNew(prefix Prefix) string {
	s, err := New(prefix)
	if err != nil {
		panic(err)
	}
	return s
}

// Valid reports whether s matches the {prefix}_{16 hex} identifier
// shape. Implementations must reject identifiers that do not match.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// HasPrefix reports whether s is a valid identifier of the given
// entity type.
func HasPrefix(s string, prefix Prefix) bool {
	return Valid(s) && len(s) > len(prefix) && s[:len(prefix)+1] == string(prefix)+"_"
}
