package prompt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_PriorityOrder(t *testing.T) {
	t.Parallel()
	// horoscope keyword also contains a zodiac sign name; must win over
	// education's "study" even if both appear.
	assert.Equal(t, DomainHoroscope, Classify("what's my leo horoscope today, i need to study it"))
	assert.Equal(t, DomainNews, Classify("give me today's top headlines"))
	assert.Equal(t, DomainNotes, Classify("note this down for later"))
	assert.Equal(t, DomainEducation, Classify("explain photosynthesis to me"))
	assert.Equal(t, DomainPrediction, Classify("India vs Australia match forecast"))
	assert.Equal(t, DomainGeneric, Classify("how are you doing"))
}

func TestIsTimeSensitive(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTimeSensitive("what's the latest score"))
	assert.False(t, IsTimeSensitive("tell me a joke"))
}

func TestShouldAttachEvidence(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldAttachEvidence(true, "anything", DomainGeneric))
	assert.True(t, ShouldAttachEvidence(false, "what's happening right now", DomainGeneric))
	assert.True(t, ShouldAttachEvidence(false, "who wins", DomainPrediction))
	assert.False(t, ShouldAttachEvidence(false, "explain gravity", DomainEducation))
}

func TestCompose_LayerOrdering(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	out := Compose(Input{
		Domain:          DomainEducation,
		Personalization: Personalization{Name: "Ravi", Language: "hindi"},
		Evidence:        Evidence{Block: "[1] some fact", Available: true},
		FreshDataNeeded: true,
		ContextBlock:    "Context information:\n- [personal memory] likes cricket",
		HistoryTail:     []HistoryMessage{{Role: "user", Content: "hello"}},
		Now:             now,
	})

	idxPersona := indexOf(out, "helpful, honest assistant")
	idxDate := indexOf(out, "2026-07-31")
	idxPersonalization := indexOf(out, "Ravi")
	idxDomain := indexOf(out, "TL;DR")
	idxEvidence := indexOf(out, "[1] some fact")
	idxContext := indexOf(out, "likes cricket")
	idxHistory := indexOf(out, "Conversation history")

	require.True(t, idxPersona >= 0)
	assert.True(t, idxPersona < idxDate)
	assert.True(t, idxDate < idxPersonalization)
	assert.True(t, idxPersonalization < idxDomain)
	assert.True(t, idxDomain < idxEvidence)
	assert.True(t, idxEvidence < idxContext)
	assert.True(t, idxContext < idxHistory)
}

func TestCompose_NoFreshDataDirectiveWhenEvidenceUnavailable(t *testing.T) {
	t.Parallel()

	out := Compose(Input{
		Domain:          DomainGeneric,
		Evidence:        Evidence{Available: false},
		FreshDataNeeded: true,
		Now:             time.Now(),
	})
	assert.Contains(t, out, "do not fabricate")
}

func TestCompose_HistoryTailTrimsToLast10(t *testing.T) {
	t.Parallel()

	var history []HistoryMessage
	for i := 0; i < 15; i++ {
		history = append(history, HistoryMessage{Role: "user", Content: string(rune('a' + i))})
	}
	out := Compose(Input{Domain: DomainGeneric, HistoryTail: history, Now: time.Now()})
	for i := 0; i < 5; i++ {
		assert.NotContains(t, out, "user: "+string(rune('a'+i))+"\n")
	}
	assert.Contains(t, out, "user: "+string(rune('a'+14)))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
