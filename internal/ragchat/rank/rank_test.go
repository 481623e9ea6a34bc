package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldUseRAG_GreetingSkipsRetrieval(t *testing.T) {
	t.Parallel()
	assert.False(t, ShouldUseRAG("hi"))
	assert.False(t, ShouldUseRAG("hello!"))
}

func TestShouldUseRAG_PersonalPronounEscalates(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldUseRAG("what's my name"))
}

func TestShouldUseRAG_RecallWordEscalates(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldUseRAG("remember what I told you earlier"))
}

func TestShouldUseRAG_QuestionMarkEscalates(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldUseRAG("is it going to rain?"))
}

func TestShouldUseRAG_ShortGenericSkips(t *testing.T) {
	t.Parallel()
	assert.False(t, ShouldUseRAG("define entropy"))
}

func TestLimitsForTier(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Limits{MemoryTopM: 30, TopK: 8}, LimitsForTier(true))
	assert.Equal(t, Limits{MemoryTopM: 20, TopK: 5}, LimitsForTier(false))
}

func TestRank_PersonalInfoPromotedToTop(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{ID: "b", Source: SourcePublicKnowledge, Content: "general fact about rivers"},
		{ID: "a", Source: SourceUserMemory, Content: "my name is Ravi", IsPersonalInfo: true},
	}
	out := Rank("what is my name", candidates, Limits{MemoryTopM: 20, TopK: 5}, true)
	require.NotEmpty(t, out)
	assert.Equal(t, "a", out[0].ID)
}

func TestRank_ThresholdFiltersLowScores(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{ID: "low", Source: SourceConversation, Content: "unrelated filler text", Recency: 0.01},
	}
	out := Rank("completely different topic", candidates, Limits{MemoryTopM: 20, TopK: 5}, false)
	assert.Empty(t, out)
}

func TestRank_TieBreaksByID(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{ID: "z", Source: SourceUserMemory, Content: "cricket match today"},
		{ID: "a", Source: SourceUserMemory, Content: "cricket match today"},
	}
	out := Rank("cricket match", candidates, Limits{MemoryTopM: 20, TopK: 5}, false)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "z", out[1].ID)
}

func TestRank_CapsToTopK(t *testing.T) {
	t.Parallel()

	var candidates []Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			ID:      string(rune('a' + i)),
			Source:  SourceUserMemory,
			Content: "cricket match preview and analysis",
		})
	}
	out := Rank("cricket match", candidates, Limits{MemoryTopM: 20, TopK: 3}, false)
	assert.Len(t, out, 3)
}

func TestRank_TruncatesContentTo300Runes(t *testing.T) {
	t.Parallel()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	candidates := []Candidate{{ID: "a", Source: SourceUserMemory, Content: string(long)}}
	out := Rank("xxxx", candidates, Limits{MemoryTopM: 20, TopK: 5}, false)
	require.Len(t, out, 1)
	assert.Len(t, []rune(out[0].Content), 300)
}

func TestBuildProfileHeader(t *testing.T) {
	t.Parallel()

	h := BuildProfileHeader(ProfileFacts{Name: "Ravi", Location: "Guwahati", Interests: []string{"sports"}})
	assert.Contains(t, h, "Ravi")
	assert.Contains(t, h, "Guwahati")
	assert.Contains(t, h, "sports")
}

func TestComposeContextBlock_EmptyWhenNoCandidates(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", ComposeContextBlock(nil))
}

func TestComposeContextBlock_TagsSourceType(t *testing.T) {
	t.Parallel()
	block := ComposeContextBlock([]Candidate{{ID: "a", Source: SourceUserMemory, Content: "likes cricket", CreatedAt: time.Now()}})
	assert.Contains(t, block, "personal memory")
	assert.Contains(t, block, "likes cricket")
}
