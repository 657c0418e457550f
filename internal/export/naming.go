package export

import (
	"fmt"
	"strings"
)

const (
	fallbackBase   = "message"
	memberExt      = ".mp3"
	artifactSuffix = " - Voice Messages"
	artifactExt    = ".zip"
)

// Sanitize keeps ASCII letters, digits, spaces and hyphens, then trims surrounding spaces.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// MemberBase returns the sanitized caller name, or "message" when nothing usable is left.
func MemberBase(callerName string) string {
	if base := Sanitize(callerName); base != "" {
		return base
	}
	return fallbackBase
}

// ArtifactName names the bundle after the event.
func ArtifactName(eventName string) string {
	base := Sanitize(eventName)
	if base == "" {
		base = "Guestbook"
	}
	return base + artifactSuffix + artifactExt
}

// NameAllocator hands out unique member names in call order: "{base}.mp3", then "{base} (1).mp3", ...
// Names compare case-sensitively.
type NameAllocator struct {
	used map[string]struct{}
}

// NewNameAllocator creates an empty allocator.
func NewNameAllocator() *NameAllocator {
	return &NameAllocator{used: make(map[string]struct{})}
}

// Next returns the first unused name for base.
func (a *NameAllocator) Next(base string) string {
	name := base + memberExt
	for n := 1; ; n++ {
		if _, taken := a.used[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s (%d)%s", base, n, memberExt)
	}
	a.used[name] = struct{}{}
	return name
}
