package domain

import (
	"strings"
	"time"
)

// BlacklistKind discriminates blacklist entry values.
type BlacklistKind string

const (
	BlacklistEmail BlacklistKind = "email"
	BlacklistIP    BlacklistKind = "ip"
)

// Valid reports whether k is a known blacklist kind.
func (k BlacklistKind) Valid() bool {
	return k == BlacklistEmail || k == BlacklistIP
}

// BlacklistEntry is a banned email address or IP address. A nil ExpiresAt
// means the ban is permanent. An expired entry is inactive but is not
// removed by the lookup path; deletion is a separate maintenance operation.
type BlacklistEntry struct {
	Kind      BlacklistKind `json:"kind"`
	Value     string        `json:"value"`
	Reason    string        `json:"reason,omitempty"`
	AddedBy   string        `json:"addedBy,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

// ActiveAt reports whether the entry is in force at the given time.
func (e *BlacklistEntry) ActiveAt(t time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}

// NormalizeBlacklistValue canonicalizes a value for storage and lookup.
// Emails match case-insensitively; IPs match exactly.
func NormalizeBlacklistValue(kind BlacklistKind, value string) string {
	value = strings.TrimSpace(value)
	if kind == BlacklistEmail {
		return strings.ToLower(value)
	}
	return value
}
