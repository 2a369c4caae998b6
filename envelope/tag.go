package envelope

import "strings"

// TagSeparator separates the segments of a hierarchical tag.
const TagSeparator = "."

// Tag is a dot-delimited hierarchical event identifier such as
// "settings.audio.volume". Tags are plain values and never mutated.
type Tag string

// String returns the tag as a string.
func (t Tag) String() string {
	return string(t)
}

// IsValid reports whether the tag can route an envelope.
func (t Tag) IsValid() bool {
	return t != ""
}

// Segments returns the tag split by the separator.
func (t Tag) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), TagSeparator)
}

// Parent returns the tag with its last segment removed.
// Returns an empty tag for a single-segment tag.
//
// Example: "settings.audio.volume" -> "settings.audio"
func (t Tag) Parent() Tag {
	idx := strings.LastIndex(string(t), TagSeparator)
	if idx < 0 {
		return ""
	}
	return t[:idx]
}

// Child appends a segment to the tag.
func (t Tag) Child(segment string) Tag {
	if t == "" {
		return Tag(segment)
	}
	return Tag(string(t) + TagSeparator + segment)
}

// MatchesTag reports whether t equals parent or is one of its descendants.
// Matching respects segment boundaries: "settings.audio" matches
// "settings" but "settingsx" does not.
func (t Tag) MatchesTag(parent Tag) bool {
	if parent == "" || t == "" {
		return false
	}
	s, p := string(t), string(parent)
	if !strings.HasPrefix(s, p) {
		return false
	}
	if len(s) == len(p) {
		return true
	}
	return strings.HasPrefix(s[len(p):], TagSeparator)
}

// IsDescendantOf reports whether t is strictly below parent.
func (t Tag) IsDescendantOf(parent Tag) bool {
	return t != parent && t.MatchesTag(parent)
}
