// Package rank implements retrieval ranking: the cost gate, profile
// header, hybrid scoring, and filter/compose steps that turn retrieved
// candidates into a context block. Scoring combines a base relevance
// term with keyword overlap and a personalization boost, sorted stably
// with ties broken deterministically and the result capped to K.
package rank

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SourceType tags where a candidate came from, for the composed block.
type SourceType string

const (
	SourceUserMemory      SourceType = "personal memory"
	SourcePublicKnowledge SourceType = "knowledge base"
	SourceConversation    SourceType = "recent context"
)

// Candidate is one item competing for a context slot.
type Candidate struct {
	ID             string
	Source         SourceType
	Content        string
	IsPersonalInfo bool
	CreatedAt      time.Time
	// Recency in [0,1], 1 = most recent, only meaningful for conversation items.
	Recency float64
}

// scored is a Candidate plus its computed rank, kept internal so callers
// only ever see the final ordered/composed output.
type scored struct {
	Candidate
	score float64
}

// ProfileFacts is the small, cheap-to-produce header describing what's
// known about the user, independent of retrieval.
type ProfileFacts struct {
	Name              string
	Location          string
	PreferredLanguage string
	Interests         []string
	TopLikes          []string
}

// Limits bundles the paid/free tier retrieval and composition caps.
type Limits struct {
	MemoryTopM int // 30 paid / 20 free
	TopK       int // 8 paid / 5 free
}

func LimitsForTier(paid bool) Limits {
	if paid {
		return Limits{MemoryTopM: 30, TopK: 8}
	}
	return Limits{MemoryTopM: 20, TopK: 5}
}

var (
	recallWords = []string{
		"remember", "recall", "told you", "i said", "earlier", "before", "last time",
		"yaad", "pehle", "mone ase", // hi/as transliterated recall cues
	}
	personalPronouns = []string{"my", "i ", "i'm", "me ", "mine", "myself"}
	skipGenericPrefixes = []string{"what is", "define", "who is", "calculate", "compute"}
	greetings           = []string{"hi", "hello", "hey", "yo", "sup"}
)

// ShouldUseRAG is the cost gate: classify whether retrieval is worth its
// cost for this query. Defaults to true for anything with a question mark,
// a WH-word, or that isn't obviously short and generic.
func ShouldUseRAG(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	for _, g := range greetings {
		if q == g || q == g+"!" || q == g+"." {
			return false
		}
	}
	for _, w := range recallWords {
		if strings.Contains(q, w) {
			return true
		}
	}
	for _, p := range personalPronouns {
		if strings.Contains(q, p) {
			return true
		}
	}
	if strings.Contains(q, "?") {
		return true
	}
	for _, wh := range []string{"who", "what", "when", "where", "why", "how"} {
		if strings.HasPrefix(q, wh+" ") {
			return true
		}
	}
	if len(strings.Fields(q)) <= 4 {
		for _, prefix := range skipGenericPrefixes {
			if strings.HasPrefix(q, prefix) {
				return false
			}
		}
		return false
	}
	return true
}

// BuildProfileHeader renders the always-on profile context block.
func BuildProfileHeader(f ProfileFacts) string {
	var b strings.Builder
	b.WriteString("User profile:\n")
	if f.Name != "" {
		fmt.Fprintf(&b, "- name: %s\n", f.Name)
	}
	if f.Location != "" {
		fmt.Fprintf(&b, "- location: %s\n", f.Location)
	}
	if f.PreferredLanguage != "" {
		fmt.Fprintf(&b, "- preferred language: %s\n", f.PreferredLanguage)
	}
	if len(f.Interests) > 0 {
		fmt.Fprintf(&b, "- interests: %s\n", strings.Join(f.Interests, ", "))
	}
	if len(f.TopLikes) > 0 {
		fmt.Fprintf(&b, "- likes: %s\n", strings.Join(f.TopLikes, ", "))
	}
	return strings.TrimSpace(b.String())
}

var declarativePattern = regexp.MustCompile(`(?i)\b(my name is|i live in|i'?m from|i (?:like|love|hate|don'?t like))\b`)

func personalBoost(c Candidate) float64 {
	if c.IsPersonalInfo || declarativePattern.MatchString(c.Content) {
		return 0.3
	}
	return 0
}

func keywordOverlap(query, content string) float64 {
	qWords := tokenSet(query)
	if len(qWords) == 0 {
		return 0
	}
	cWords := tokenSet(content)
	var hits int
	for w := range qWords {
		if _, ok := cWords[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(qWords))
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// score computes the hybrid score for one candidate against a query.
func score(query string, c Candidate) float64 {
	overlap := keywordOverlap(query, c.Content)
	switch c.Source {
	case SourceConversation:
		return 0.4*c.Recency + 0.3*overlap + 0.3
	case SourcePublicKnowledge:
		return 0.6 + 0.3*overlap + personalBoost(c)
	default: // SourceUserMemory
		return 0.7 + 0.3*overlap + personalBoost(c)
	}
}

// Rank scores, filters, and orders candidates, returning the top K. The
// threshold is 0.4 for personal-info queries (i.e. ShouldUseRAG found
// personal-pronoun/recall signal) and 0.5 otherwise. Personal-info items are
// promoted to the top; ties break by id for identical-input determinism.
func Rank(query string, candidates []Candidate, limits Limits, personalQuery bool) []Candidate {
	threshold := 0.5
	if personalQuery {
		threshold = 0.4
	}

	scoredList := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		sc := score(query, c)
		if sc < threshold {
			continue
		}
		scoredList = append(scoredList, scored{Candidate: c, score: sc})
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		pi, pj := scoredList[i].IsPersonalInfo, scoredList[j].IsPersonalInfo
		if pi != pj {
			return pi
		}
		if scoredList[i].score != scoredList[j].score {
			return scoredList[i].score > scoredList[j].score
		}
		return scoredList[i].ID < scoredList[j].ID
	})

	k := limits.TopK
	if k <= 0 || k > len(scoredList) {
		k = len(scoredList)
	}
	out := make([]Candidate, k)
	for i := 0; i < k; i++ {
		cand := scoredList[i].Candidate
		cand.Content = truncate(cand.Content, 300)
		out[i] = cand
	}
	return out
}

// ComposeContextBlock renders ranked candidates into a human-readable
// context block tagged by source type.
func ComposeContextBlock(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context information:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- [%s] %s\n", c.Source, c.Content)
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
