package memory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Validation bounds for memory fields. Shared by the MCP tools, the REST
// handlers, and the CLI so every write path rejects the same inputs.
const (
	MaxContentBytes  = 100 * 1024
	MaxTags          = 50
	MaxTagLength     = 200
	MaxSubjectLength = 500
	MaxAgentIDLength = 200
)

// ValidationError is a caller-visible rejection of a write. It names the
// offending field so tool surfaces can surface it verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CapacityError signals a tier limit was hit. Not retried.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Memory limit reached (%d). Upgrade at https://mycelicmemory.dev/pricing", e.Limit)
}

// ValidateContent checks content is non-empty and within the size bound.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "content is required"}
	}
	if len(content) > MaxContentBytes {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content too long (%d bytes). Maximum is %d bytes.", len(content), MaxContentBytes),
		}
	}
	return nil
}

// ValidateTags checks count and per-tag length, then returns the tags
// deduplicated and sorted lexicographically.
func ValidateTags(tags []string) ([]string, error) {
	if len(tags) > MaxTags {
		return nil, &ValidationError{
			Field:   "tags",
			Message: fmt.Sprintf("too many tags (%d). Maximum is %d.", len(tags), MaxTags),
		}
	}
	for _, tag := range tags {
		if len(tag) > MaxTagLength {
			return nil, &ValidationError{
				Field:   "tags",
				Message: fmt.Sprintf("tag too long (%d chars). Maximum is %d chars.", len(tag), MaxTagLength),
			}
		}
	}

	seen := make(map[string]bool, len(tags))
	deduped := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		deduped = append(deduped, tag)
	}
	sort.Strings(deduped)
	return deduped, nil
}

// ValidateSubject checks the optional subject length.
func ValidateSubject(subject string) error {
	if len(subject) > MaxSubjectLength {
		return &ValidationError{
			Field:   "subject",
			Message: fmt.Sprintf("subject too long (%d chars). Maximum is %d chars.", len(subject), MaxSubjectLength),
		}
	}
	return nil
}

// ValidateAgentID checks the optional agent self-identification length.
func ValidateAgentID(agentID string) error {
	if len(agentID) > MaxAgentIDLength {
		return &ValidationError{
			Field:   "agent_id",
			Message: fmt.Sprintf("agent_id too long (%d chars). Maximum is %d chars.", len(agentID), MaxAgentIDLength),
		}
	}
	return nil
}

// ParseTTL parses a duration shorthand like "1h", "24h", "7d", "30m", "45s"
// into an absolute expiry timestamp relative to now.
func ParseTTL(ttl string) (time.Time, error) {
	ttl = strings.ToLower(strings.TrimSpace(ttl))
	if ttl == "" {
		return time.Time{}, &ValidationError{Field: "ttl", Message: "ttl is empty"}
	}

	unit := ttl[len(ttl)-1]
	var mult time.Duration
	switch unit {
	case 'd':
		mult = 24 * time.Hour
	case 'h':
		mult = time.Hour
	case 'm':
		mult = time.Minute
	case 's':
		mult = time.Second
	default:
		return time.Time{}, &ValidationError{
			Field:   "ttl",
			Message: fmt.Sprintf("invalid TTL format: %q. Use '1h', '24h', '7d', '30m'", ttl),
		}
	}

	n, err := strconv.ParseInt(ttl[:len(ttl)-1], 10, 64)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "ttl",
			Message: fmt.Sprintf("invalid TTL number: %q", ttl[:len(ttl)-1]),
		}
	}
	if n <= 0 {
		return time.Time{}, &ValidationError{Field: "ttl", Message: "TTL must be positive"}
	}

	return time.Now().Add(time.Duration(n) * mult), nil
}

// ResolveExpiry turns the caller's ttl or expires_at (RFC 3339) into an
// absolute timestamp. TTL wins when both are supplied. Both empty means no
// expiry.
func ResolveExpiry(ttl, expiresAt string) (*time.Time, error) {
	if ttl != "" {
		t, err := ParseTTL(ttl)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if expiresAt != "" {
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return nil, &ValidationError{
				Field:   "expires_at",
				Message: "invalid expires_at: must be ISO 8601 / RFC 3339",
			}
		}
		return &t, nil
	}
	return nil, nil
}
