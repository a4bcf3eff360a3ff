// Package ids issues prefixed, lexicographically sortable identifiers.
// The prefix makes an id self-describing in logs and audit records
// (usr_01J..., ord_01J...).
package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes. Fixed set; storage schemas assume these shapes.
const (
	PrefixUser         = "usr"
	PrefixSession      = "ses"
	PrefixAuditEntry   = "aud"
	PrefixProduct      = "prd"
	PrefixTag          = "tag"
	PrefixOrder        = "ord"
	PrefixSubscription = "sub"
	PrefixWebhookEvent = "evt"
	PrefixSigningKey   = "key"
	PrefixRequest      = "req"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns "<prefix>_<ULID>".
func New(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prefix returns the entity prefix of id, or "" when id has none.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// Valid reports whether id is a well-formed prefixed identifier.
func Valid(id string) bool {
	i := strings.IndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return false
	}
	_, err := ulid.ParseStrict(id[i+1:])
	return err == nil
}
