package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperengineering/citytailor/internal/types"
)

// SessionUserPrefix marks pseudo-users derived from a session id. Their rules live
// only in memory and are never merged into a persisted profile.
const SessionUserPrefix = "session:"

// SessionUserID returns the pseudo-user id for an anonymous session.
func SessionUserID(sessionID string) string {
	return SessionUserPrefix + sessionID
}

// IsSessionUser reports whether userID is a session-scoped pseudo-user.
func IsSessionUser(userID string) bool {
	return strings.HasPrefix(userID, SessionUserPrefix)
}

// ValidateUserID rejects a caller-supplied user id that would collide with a session
// pseudo-user. Real profiles and anonymous sessions must never share an owner.
func ValidateUserID(userID string) error {
	if IsSessionUser(userID) {
		return fmt.Errorf("%w: %q", ErrReservedUserID, userID)
	}
	return nil
}

// Signature returns a stable identifier for the discriminating part of a rule:
// its category and pattern features. Attributes are ignored.
func Signature(category types.RuleCategory, p types.Pattern) string {
	keys := make([]string, 0, len(p.Features))
	for k := range p.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(category))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(p.Features[k]))
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func storageKey(userID string) string {
	return "rules/" + userID
}

func userFromKey(key string) string {
	return strings.TrimPrefix(key, "rules/")
}
