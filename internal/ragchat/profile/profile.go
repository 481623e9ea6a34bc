// Package profile implements rule-based profile learning: a pure-function
// extractor of personal facts and interests from a user message, merged
// idempotently into a UserProfile.
package profile

import (
	"regexp"
	"sort"
	"strings"
)

// Profile is the mutable accumulation target for Extract's output. Callers
// own the zero value; Merge is safe to call repeatedly.
type Profile struct {
	Preferences map[string]string
	Likes       []string
	Dislikes    []string
	Interests   map[string]struct{}
}

// NewProfile returns an empty, ready-to-merge Profile.
func NewProfile() *Profile {
	return &Profile{
		Preferences: make(map[string]string),
		Interests:   make(map[string]struct{}),
	}
}

// Facts is what Extract pulls out of one message; Merge folds it into a
// Profile.
type Facts struct {
	Name               string
	Location           string
	PreferredLanguage  string
	Interests          []string
	Likes              []string
	Dislikes           []string
	IsPersonalInfo     bool
}

var (
	reName      = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([a-zA-Z][\w'-]*)`)
	reLiveIn    = regexp.MustCompile(`(?i)\bi live in\s+([^,.\n]+)`)
	reFrom      = regexp.MustCompile(`(?i)\bi'?m from\s+([^,.\n]+)`)
	reLike      = regexp.MustCompile(`(?i)\bi (?:like|love)\s+(.{1,100}?)(?:[.!\n]|$)`)
	reDislike   = regexp.MustCompile(`(?i)\bi (?:hate|don'?t like|dislike)\s+(.{1,100}?)(?:[.!\n]|$)`)
)

var interestKeywords = map[string][]string{
	"sports":        {"cricket", "football", "soccer", "tennis", "basketball", "match", "tournament", "ipl", "premier league"},
	"tech":          {"programming", "coding", "software", "ai", "computer", "gadget", "technology", "startup"},
	"entertainment": {"movie", "music", "show", "series", "anime", "celebrity", "concert"},
	"education":     {"exam", "homework", "study", "course", "lesson", "school", "college", "university"},
}

// Extract derives Facts from a single user message. It never mutates its
// input and never touches any store.
func Extract(message, detectedLanguage string) Facts {
	f := Facts{PreferredLanguage: detectedLanguage}
	lower := strings.ToLower(message)

	if m := reName.FindStringSubmatch(message); m != nil {
		f.Name = firstToken(m[1])
		f.IsPersonalInfo = true
	}
	if m := reLiveIn.FindStringSubmatch(message); m != nil {
		f.Location = strings.TrimSpace(m[1])
		f.IsPersonalInfo = true
	} else if m := reFrom.FindStringSubmatch(message); m != nil {
		f.Location = strings.TrimSpace(m[1])
		f.IsPersonalInfo = true
	}

	for category, words := range interestKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				f.Interests = append(f.Interests, category)
				break
			}
		}
	}
	sort.Strings(f.Interests)

	if m := reLike.FindStringSubmatch(message); m != nil {
		f.Likes = append(f.Likes, truncate(strings.TrimSpace(m[1]), 100))
	}
	if m := reDislike.FindStringSubmatch(message); m != nil {
		f.Dislikes = append(f.Dislikes, truncate(strings.TrimSpace(m[1]), 100))
	}

	return f
}

// Merge folds Facts into p, in place. Preference keys overwrite, list
// values de-duplicate, interests union — never shrinking automatically.
func (p *Profile) Merge(f Facts) {
	if p.Preferences == nil {
		p.Preferences = make(map[string]string)
	}
	if p.Interests == nil {
		p.Interests = make(map[string]struct{})
	}
	if f.Name != "" {
		p.Preferences["name"] = f.Name
	}
	if f.Location != "" {
		p.Preferences["location"] = f.Location
	}
	if f.PreferredLanguage != "" {
		p.Preferences["preferred_language"] = f.PreferredLanguage
	}
	for _, i := range f.Interests {
		p.Interests[i] = struct{}{}
	}
	p.Likes = dedupeAppend(p.Likes, f.Likes)
	p.Dislikes = dedupeAppend(p.Dislikes, f.Dislikes)
}

// SortedInterests returns the interest set as a stable-ordered slice.
func (p *Profile) SortedInterests() []string {
	out := make([]string, 0, len(p.Interests))
	for i := range p.Interests {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

func dedupeAppend(existing []string, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[strings.ToLower(e)] = struct{}{}
	}
	for _, a := range add {
		key := strings.ToLower(a)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, a)
	}
	return existing
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
