// Package orchestrator implements the per-turn request handler, wiring
// quota, conversation, memory, prediction cache, search, scrape, ranking,
// and prompt composition around one LLM call.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/ragchat/cache"
	"manifold/internal/ragchat/convo"
	"manifold/internal/ragchat/embed"
	"manifold/internal/ragchat/errkind"
	"manifold/internal/ragchat/memory"
	"manifold/internal/ragchat/predcache"
	"manifold/internal/ragchat/profile"
	"manifold/internal/ragchat/prompt"
	"manifold/internal/ragchat/quota"
	"manifold/internal/ragchat/rank"
	"manifold/internal/ragchat/search"
	"manifold/internal/ragchat/scrape"
)

var tracer = otel.Tracer("manifold/internal/ragchat/orchestrator")

// Deps bundles every component the Orchestrator wires together.
type Deps struct {
	Cfg        config.Config
	Cache      *cache.Cache
	Embedder   embed.Embedder
	Quota      *quota.Store
	Convo      *convo.Store
	Memory     *memory.Store
	PredCache  *predcache.Store
	Backfiller predcache.Backfiller
	Search     *search.Service
	Scrape     *scrape.Service
	LLM        llm.Provider
	Log        zerolog.Logger
}

// Request is one incoming chat turn.
type Request struct {
	PrincipalID     string // empty for guests
	GuestFingerprint string
	ConversationID  string // empty to start a new conversation
	Message         string
	ExplicitFresh   bool // client-declared "give me fresh info"
	Tier            string
}

// Source is one citation in the final response.
type Source struct {
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Response is the Orchestrator's per-turn result.
type Response struct {
	ResponseText   string    `json:"response_text"`
	Sources        []Source  `json:"sources"`
	TokensUsed     int       `json:"tokens_used"`
	ConversationID string    `json:"conversation_id"`
	Language       string    `json:"language"`
	Timestamp      time.Time `json:"timestamp"`
}

// Orchestrator is the request handler.
type Orchestrator struct {
	deps Deps

	mu            sync.Mutex
	guestProfiles map[string]*profile.Profile // session-only, never persisted
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, guestProfiles: make(map[string]*profile.Profile)}
}

// Handle runs the full per-turn pipeline: admit, load history, retrieve, compose, call the model, persist.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	ctx, handleSpan := tracer.Start(ctx, "orchestrator.handle")
	defer handleSpan.End()

	// 1. Resolve principal.
	principal := req.PrincipalID
	isGuest := principal == ""
	if isGuest {
		principal = "guest:" + req.GuestFingerprint
	}

	// 2. Admit.
	admitCtx, admitSpan := tracer.Start(ctx, "orchestrator.admit")
	var admitErr error
	if isGuest {
		decision, err := o.deps.Quota.AdmitGuest(admitCtx, req.GuestFingerprint)
		if err != nil {
			admitErr = err
		} else if !decision.Admitted {
			admitSpan.End()
			return Response{}, decision.Err
		}
	} else {
		decision, err := o.deps.Quota.AdmitUser(admitCtx, req.PrincipalID, req.Tier, time.Now())
		if err != nil {
			admitErr = err
		} else if !decision.Admitted {
			admitSpan.End()
			return Response{}, decision.Err
		}
	}
	admitSpan.End()
	if admitErr != nil {
		return Response{}, errkind.NewDegraded("quota", admitErr)
	}

	// 3. Resolve conversation.
	conversationID := req.ConversationID
	isNewConversation := conversationID == ""
	if isNewConversation {
		conversationID = newConversationID(principal)
	}

	var history []prompt.HistoryMessage
	if !isGuest {
		if isNewConversation {
			if seed, ok := o.seedHistoryFromMemory(ctx, principal); ok {
				history = seed
			}
		} else if msgs, err := o.deps.Convo.Get(ctx, conversationID); err == nil {
			for _, m := range msgs {
				history = append(history, prompt.HistoryMessage{Role: m.Role, Content: m.Content})
			}
		}
	}

	// 4. Detect language.
	language := DetectLanguage(req.Message)

	// 5. Persist user message.
	if err := o.deps.Convo.Append(ctx, principal, conversationID, "user", req.Message); err != nil {
		o.deps.Log.Warn().Err(err).Msg("conversation_append_degraded")
	}
	history = append(history, prompt.HistoryMessage{Role: "user", Content: req.Message})

	domain := prompt.Classify(req.Message)
	freshNeeded := prompt.ShouldAttachEvidence(req.ExplicitFresh, req.Message, domain)

	// 6. Response cache check (skipped when fresh data is required).
	respCacheKey := cache.Key("response", principal, strings.ToLower(strings.TrimSpace(req.Message)))
	if !freshNeeded {
		var cached Response
		if o.deps.Cache.GetJSON(ctx, respCacheKey, &cached) {
			cached.ConversationID = conversationID
			cached.Timestamp = time.Now()
			if err := o.deps.Convo.Append(ctx, principal, conversationID, "assistant", cached.ResponseText); err != nil {
				o.deps.Log.Warn().Err(err).Msg("conversation_append_degraded")
			}
			return cached, nil
		}
	}

	// 7. Web-search sub-quota check when fresh data is needed. This only
	// peeks at the counter — the increment happens inside runWebEvidence.
	// Once usage has reached the limit the whole web-evidence stage is
	// skipped, so neither the prediction cache nor cached search results
	// are consulted for this turn.
	searchAllowed := true
	webSearchLimit := 0
	if freshNeeded {
		webSearchLimit = quota.WebSearchLimit(o.deps.Cfg, req.Tier)
		searchAllowed = quota.PeekWebSearchUsed(ctx, o.deps.Cache, principal) < webSearchLimit
	}

	// 8. Parallel fan-out: RAG ranker + web-evidence pipeline.
	retrieveCtx, retrieveSpan := tracer.Start(ctx, "orchestrator.retrieve")
	var rankedBlock string
	var evidence prompt.Evidence
	var sources []Source

	g, gctx := errgroup.WithContext(retrieveCtx)
	g.Go(func() error {
		rankedBlock = o.runRagRanker(gctx, principal, isGuest, req.Tier, req.Message, history)
		return nil
	})
	g.Go(func() error {
		if freshNeeded && searchAllowed {
			evidence, sources = o.runWebEvidence(gctx, domain, req.Message, principal, webSearchLimit)
		}
		return nil
	})
	_ = g.Wait() // sub-errors are absorbed inside each stage; never fails the turn
	retrieveSpan.End()

	// 9. Compose prompt and call LLM.
	personalization := o.personalizationFor(ctx, principal, isGuest, language)
	systemPrompt := prompt.Compose(prompt.Input{
		Domain:          domain,
		Personalization: personalization,
		Evidence:        evidence,
		FreshDataNeeded: freshNeeded,
		ContextBlock:    rankedBlock,
		HistoryTail:     history,
		Now:             time.Now(),
	})

	msgs := []llm.Message{{Role: "system", Content: systemPrompt}, {Role: "user", Content: req.Message}}
	ctx, span := llm.StartRequestSpan(ctx, "orchestrator.chat", o.deps.Cfg.LLM.Model, len(msgs))
	defer span.End()

	chatResp, err := o.deps.LLM.Chat(ctx, msgs, o.deps.Cfg.LLM.Model, o.deps.Cfg.LLM.Temperature, o.deps.Cfg.LLM.MaxTokens)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", errkind.ErrLLMCallFailed, err)
	}

	resp := Response{
		ResponseText:   chatResp.Content,
		Sources:        sources,
		ConversationID: conversationID,
		Language:       language,
		Timestamp:      time.Now(),
	}

	// 10. Cache response (skip when fresh data was required).
	if !freshNeeded {
		o.deps.Cache.SetJSON(ctx, respCacheKey, resp, o.deps.Cfg.TTL.ResponseCache())
	}

	// 11. Persist assistant message, embed both turns, update profile.
	_, persistSpan := tracer.Start(ctx, "orchestrator.persist")
	if err := o.deps.Convo.Append(ctx, principal, conversationID, "assistant", resp.ResponseText); err != nil {
		o.deps.Log.Warn().Err(err).Msg("conversation_append_degraded")
	}
	o.persistTurnMemory(ctx, principal, isGuest, conversationID, req.Message, resp.ResponseText)
	o.updateProfile(ctx, principal, isGuest, req.Message, language)
	persistSpan.End()

	// 12. Return.
	return resp, nil
}

func (o *Orchestrator) runRagRanker(ctx context.Context, principal string, isGuest bool, tier, message string, history []prompt.HistoryMessage) string {
	if !rank.ShouldUseRAG(message) {
		return rank.BuildProfileHeader(o.profileFacts(ctx, principal, isGuest))
	}

	limits := rank.LimitsForTier(tier == "limited" || tier == "unlimited")
	var candidates []rank.Candidate

	if !isGuest {
		vec, ok, err := embed.EmbedOne(ctx, o.deps.Embedder, message)
		if err == nil && ok {
			matches := o.deps.Memory.SearchSimilar(ctx, principal, vec, limits.MemoryTopM, 0.0, memory.TypeConversation)
			for i, m := range matches {
				candidates = append(candidates, rank.Candidate{
					ID:             fmt.Sprintf("mem-%d", i),
					Source:         rank.SourceUserMemory,
					Content:        m.Content,
					IsPersonalInfo: isPersonalInfoMeta(m.Metadata),
				})
			}
			public := o.deps.Memory.SearchSimilar(ctx, "public", vec, 3, 0.0, memory.TypeKnowledge)
			for i, m := range public {
				candidates = append(candidates, rank.Candidate{
					ID:      fmt.Sprintf("pub-%d", i),
					Source:  rank.SourcePublicKnowledge,
					Content: m.Content,
				})
			}
		}
	}

	n := len(history)
	start := 0
	if n > limits.MemoryTopM {
		start = n - limits.MemoryTopM
	}
	for i := start; i < n; i++ {
		recency := float64(i-start+1) / float64(n-start+1)
		candidates = append(candidates, rank.Candidate{
			ID:      fmt.Sprintf("hist-%d", i),
			Source:  rank.SourceConversation,
			Content: history[i].Content,
			Recency: recency,
		})
	}

	personalQuery := containsPersonalSignal(message)
	ranked := rank.Rank(message, candidates, limits, personalQuery)

	header := rank.BuildProfileHeader(o.profileFacts(ctx, principal, isGuest))
	block := rank.ComposeContextBlock(ranked)
	if header == "" {
		return block
	}
	if block == "" {
		return header
	}
	return header + "\n\n" + block
}

func (o *Orchestrator) runWebEvidence(ctx context.Context, domain prompt.Domain, message, principal string, webSearchLimit int) (prompt.Evidence, []Source) {
	if domain == prompt.DomainPrediction {
		o.bumpEntityStats(ctx, message)
		if bundle, ok, err := o.deps.PredCache.Get(ctx, "cricket", string(domain), message); err == nil && ok {
			return prompt.Evidence{Block: bundle.AnalysisText, Available: true}, sourcesFromPredcache(bundle.Sources)
		}
	}

	// Prediction-cache miss (or a non-prediction domain): charge the
	// sub-quota before calling Search. The charge applies even when Search
	// then answers from its own result cache.
	if allowed, _ := quota.CheckAndIncrementWebSearch(ctx, o.deps.Cache, principal, webSearchLimit); !allowed {
		return prompt.Evidence{}, nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp := o.deps.Search.Search(searchCtx, message, 5)
	if len(resp.Results) == 0 {
		return prompt.Evidence{}, nil
	}

	var evidenceBuilder strings.Builder
	citations := search.ExtractCitations(resp.Results, time.Now())
	var sources []Source
	for _, c := range citations {
		snap, ok := o.deps.Scrape.FetchAndParse(ctx, c.URL)
		text := ""
		if ok {
			text = snap.CleanedText
		}
		fmt.Fprintf(&evidenceBuilder, "[%d] %s — %s\n%s\n\n", c.Index, c.Title, c.Host, truncateText(text, 500))
		sources = append(sources, Source{Index: c.Index, Title: c.Title, URL: c.URL, Host: c.Host, FetchedAt: c.FetchedAt})
	}

	if domain == prompt.DomainPrediction {
		o.deps.Backfiller.Enqueue(predcache.WriteBackJob{
			Sport: "cricket", QueryType: string(domain), MatchDetails: message,
			Analysis: evidenceBuilder.String(), Sources: predcacheSourcesFrom(sources),
			TTL: o.deps.Cfg.TTL.PredictionSports(),
		})
	}

	return prompt.Evidence{Block: evidenceBuilder.String(), Available: true}, sources
}

func (o *Orchestrator) profileFacts(ctx context.Context, principal string, isGuest bool) rank.ProfileFacts {
	if isGuest {
		o.mu.Lock()
		p := o.guestProfiles[principal]
		o.mu.Unlock()
		if p == nil {
			return rank.ProfileFacts{}
		}
		return facetsFromProfile(p)
	}
	prof, ok := o.deps.Memory.GetUserProfile(ctx, principal)
	if !ok {
		return rank.ProfileFacts{}
	}
	return rank.ProfileFacts{
		Name:              stringPref(prof.Preferences, "name"),
		Location:          stringPref(prof.Preferences, "location"),
		PreferredLanguage: stringPref(prof.Preferences, "preferred_language"),
		Interests:         prof.Interests,
	}
}

func (o *Orchestrator) personalizationFor(ctx context.Context, principal string, isGuest bool, language string) prompt.Personalization {
	facts := o.profileFacts(ctx, principal, isGuest)
	lang := facts.PreferredLanguage
	if lang == "" {
		lang = language
	}
	return prompt.Personalization{Language: lang, Name: facts.Name, Interests: facts.Interests}
}

func (o *Orchestrator) persistTurnMemory(ctx context.Context, principal string, isGuest bool, conversationID, userMsg, assistantMsg string) {
	if isGuest {
		return // guest turns never persist personal memory
	}
	userVec, ok, err := embed.EmbedOne(ctx, o.deps.Embedder, userMsg)
	if err == nil && ok {
		meta := map[string]any{"is_personal_info": containsPersonalSignal(userMsg)}
		if err := o.deps.Memory.AddMemory(ctx, principal, userMsg, "user", userVec, conversationID, meta, memory.TypeConversation); err != nil {
			o.deps.Log.Warn().Err(err).Msg("vector_memory_write_degraded")
		}
	}
	assistantVec, ok, err := embed.EmbedOne(ctx, o.deps.Embedder, assistantMsg)
	if err == nil && ok {
		if err := o.deps.Memory.AddMemory(ctx, principal, assistantMsg, "assistant", assistantVec, conversationID, nil, memory.TypeConversation); err != nil {
			o.deps.Log.Warn().Err(err).Msg("vector_memory_write_degraded")
		}
	}
}

func (o *Orchestrator) updateProfile(ctx context.Context, principal string, isGuest bool, message, language string) {
	facts := profile.Extract(message, language)
	if isGuest {
		o.mu.Lock()
		p := o.guestProfiles[principal]
		if p == nil {
			p = profile.NewProfile()
			o.guestProfiles[principal] = p
		}
		p.Merge(facts)
		o.mu.Unlock()
		return
	}

	prefs := map[string]any{}
	if facts.Name != "" {
		prefs["name"] = facts.Name
	}
	if facts.Location != "" {
		prefs["location"] = facts.Location
	}
	if facts.PreferredLanguage != "" {
		prefs["preferred_language"] = facts.PreferredLanguage
	}
	if err := o.deps.Memory.UpdateUserProfile(ctx, principal, prefs, facts.Interests, 1); err != nil {
		o.deps.Log.Warn().Err(err).Msg("profile_update_degraded")
	}
}

func (o *Orchestrator) seedHistoryFromMemory(ctx context.Context, principal string) ([]prompt.HistoryMessage, bool) {
	vec, ok, err := embed.EmbedOne(ctx, o.deps.Embedder, "recent conversation history")
	if err != nil || !ok {
		return nil, false
	}
	matches := o.deps.Memory.SearchSimilar(ctx, principal, vec, 50, 0.0, memory.TypeConversation)
	if len(matches) == 0 {
		return nil, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	out := make([]prompt.HistoryMessage, 0, len(matches))
	for _, m := range matches {
		out = append(out, prompt.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out, true
}

func newConversationID(principal string) string {
	return uuid.NewString()
}

func containsPersonalSignal(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range []string{"my ", "i live", "i'm from", "i like", "i love", "i hate", "remember", "recall"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isPersonalInfoMeta(meta map[string]any) bool {
	v, ok := meta["is_personal_info"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func stringPref(prefs map[string]any, key string) string {
	v, ok := prefs[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func facetsFromProfile(p *profile.Profile) rank.ProfileFacts {
	return rank.ProfileFacts{
		Name:              p.Preferences["name"],
		Location:          p.Preferences["location"],
		PreferredLanguage: p.Preferences["preferred_language"],
		Interests:         p.SortedInterests(),
		TopLikes:          p.Likes,
	}
}

var entitySplitRe = regexp.MustCompile(`(?i)\s+(?:vs\.?|versus)\s+`)

// bumpEntityStats extracts the team/player names either side of a "vs"/
// "versus" in a prediction-domain query and records a view against each, so
// PredCache.Popular-style entity lookups warm for the pairs people actually
// ask about.
func (o *Orchestrator) bumpEntityStats(ctx context.Context, message string) {
	parts := entitySplitRe.Split(message, 2)
	if len(parts) != 2 {
		return
	}
	for _, p := range parts {
		entity := strings.TrimSpace(p)
		if entity == "" {
			continue
		}
		_ = o.deps.PredCache.BumpEntityStats(ctx, entity, "cricket")
	}
}

func sourcesFromPredcache(s []predcache.Source) []Source {
	out := make([]Source, 0, len(s))
	for _, src := range s {
		out = append(out, Source{Index: src.Idx, Title: src.Title, URL: src.URL, Host: src.Host, FetchedAt: src.FetchedAt})
	}
	return out
}

func predcacheSourcesFrom(s []Source) []predcache.Source {
	out := make([]predcache.Source, 0, len(s))
	for _, src := range s {
		out = append(out, predcache.Source{Idx: src.Index, Title: src.Title, URL: src.URL, Host: src.Host, FetchedAt: src.FetchedAt})
	}
	return out
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
