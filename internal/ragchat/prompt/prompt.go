// Package prompt implements domain classification and prompt composition:
// keyword-heuristic domain tagging and the layered system prompt assembly.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// Domain is the turn classification tag.
type Domain string

const (
	DomainPrediction Domain = "prediction"
	DomainEducation  Domain = "education"
	DomainNews       Domain = "news"
	DomainHoroscope  Domain = "horoscope"
	DomainNotes      Domain = "notes"
	DomainGeneric    Domain = "generic"
)

var domainKeywords = map[Domain][]string{
	DomainPrediction: {"match", "vs", "versus", "probable xi", "forecast", "prediction", "odds", "h2h"},
	DomainEducation:  {"explain", "lesson", "homework", "notes on", "teach me", "study"},
	DomainNews:       {"news", "headline", "top stories", "breaking"},
	DomainHoroscope:  {"horoscope", "zodiac", "aries", "taurus", "gemini", "cancer", "leo", "virgo", "libra", "scorpio", "sagittarius", "capricorn", "aquarius", "pisces"},
	DomainNotes:      {"note this", "save this", "todo", "to-do"},
}

// Classify tags a turn by keyword heuristics, defaulting to generic.
func Classify(message string) Domain {
	lower := strings.ToLower(message)
	for _, d := range []Domain{DomainHoroscope, DomainNews, DomainNotes, DomainEducation, DomainPrediction} {
		for _, kw := range domainKeywords[d] {
			if strings.Contains(lower, kw) {
				return d
			}
		}
	}
	return DomainGeneric
}

var timeSensitiveKeywords = []string{
	"today", "now", "current", "latest", "this week", "recent", "breaking", "live score", "score now",
}

// IsTimeSensitive reports whether the message carries an auto-detected
// freshness signal.
func IsTimeSensitive(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range timeSensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func domainTemplate(d Domain) string {
	switch d {
	case DomainPrediction:
		return `FORMAT AS:
1) Quick verdict: one line win probability or outcome.
2) Probable XIs: two bullet lists (Team A, Team B) with up to 11 names each.
3) Key factors (3 bullets): pitch/conditions, form, matchups.
4) Confidence: single % number.
5) Next actions (2 bullets): what the user can do/track.
Always cite sources with [n]. Keep concise.`
	case DomainEducation:
		return `FORMAT AS:
1) TL;DR: 2 sentences.
2) Steps: short numbered list.
3) Example/analogy: 2 sentences.
4) Visual idea: describe a diagram/animation in one sentence.
5) Practice next: 2 bullet prompts the user can try.`
	case DomainNews:
		return `FORMAT AS:
1) Top 5 headlines (bullets with [n] source tags, include time if available).
2) One-liner takeaway for each.
3) If data is older than 24h, say 'latest available' and proceed.
4) End with 'Want business, sports, or local next?'`
	case DomainHoroscope:
		return `FORMAT AS:
1) Overall vibe (emoji + 1 line)
2) Lucky color/number
3) Focus for today
4) Watch out for
5) One-line action`
	case DomainNotes:
		return `FORMAT AS:
1) Title
2) Bullets (3-5 concise points)
3) Action items (checkbox style)
4) Tags (comma-separated)
Keep it short and ready to save.`
	default:
		return ""
	}
}

const basePersona = `You are a helpful, honest assistant. Never fabricate facts; say when you're unsure.`

const antiDeflection = `Say "Based on the information gathered..." — never say "I cannot generate", "I cannot browse", or "searching the web".`

const noFreshDataDirective = `Rely on memory/known info; do not fabricate fresh facts.`

// Personalization carries the per-turn personalization inputs for layer 3.
type Personalization struct {
	Language string
	Tone     string
	Style    string
	Interests []string
	Name     string
}

// Evidence is the numbered web-evidence block, already citation-formatted.
type Evidence struct {
	Block     string
	Available bool
}

// Input is everything the composer needs to assemble one system prompt.
type Input struct {
	Domain          Domain
	Personalization Personalization
	Evidence        Evidence
	FreshDataNeeded bool
	ContextBlock    string // RAG Ranker's composed context (layer 6)
	HistoryTail     []HistoryMessage
	Now             time.Time
}

// HistoryMessage is one trimmed conversation-history turn (layer 7).
type HistoryMessage struct {
	Role    string
	Content string
}

const defaultHistoryTail = 10

// Compose assembles the system prompt in the seven-layer order: persona,
// date, personalization, domain template, evidence block, context block,
// history tail.
func Compose(in Input) string {
	var b strings.Builder

	b.WriteString(basePersona)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Today's date is %s.\n\n", in.Now.Format("2006-01-02"))

	if p := personalizationBlock(in.Personalization); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	if t := domainTemplate(in.Domain); t != "" {
		b.WriteString(t)
		b.WriteString("\n\n")
	}

	if in.Evidence.Available {
		b.WriteString(antiDeflection)
		b.WriteString("\n")
		b.WriteString("Cite facts from the evidence block inline as [n], matching the numbered sources list.\n")
		b.WriteString(in.Evidence.Block)
		b.WriteString("\n\n")
	} else if in.FreshDataNeeded {
		b.WriteString(noFreshDataDirective)
		b.WriteString("\n\n")
	}

	if in.ContextBlock != "" {
		b.WriteString(in.ContextBlock)
		b.WriteString("\n\n")
	}

	if len(in.HistoryTail) > 0 {
		b.WriteString(historyBlock(in.HistoryTail))
	}

	return strings.TrimSpace(b.String())
}

func personalizationBlock(p Personalization) string {
	var parts []string
	if p.Language != "" && !strings.EqualFold(p.Language, "english") {
		parts = append(parts, fmt.Sprintf("Respond in %s.", p.Language))
	}
	if p.Name != "" {
		parts = append(parts, fmt.Sprintf("Address the user as %s when natural.", p.Name))
	}
	if p.Tone != "" {
		parts = append(parts, fmt.Sprintf("Tone: %s.", p.Tone))
	}
	if p.Style != "" {
		parts = append(parts, fmt.Sprintf("Response style: %s.", p.Style))
	}
	if len(p.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Known interests: %s.", strings.Join(p.Interests, ", ")))
	}
	return strings.Join(parts, " ")
}

func historyBlock(msgs []HistoryMessage) string {
	tail := msgs
	if len(tail) > defaultHistoryTail {
		tail = tail[len(tail)-defaultHistoryTail:]
	}
	var b strings.Builder
	b.WriteString("Conversation history:\n")
	for _, m := range tail {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// ShouldAttachEvidence implements the freshness gate: attach the evidence
// block only when the user explicitly asked for fresh info, an auto-detected
// time-sensitive keyword matched, or the domain is sports/prediction.
func ShouldAttachEvidence(explicitFreshRequest bool, message string, domain Domain) bool {
	return explicitFreshRequest || IsTimeSensitive(message) || domain == DomainPrediction
}
