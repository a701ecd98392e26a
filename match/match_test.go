package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ddi/record"
)

func drugs(names ...string) []record.DrugRecord {
	out := make([]record.DrugRecord, len(names))
	for i, n := range names {
		out[i] = record.DrugRecord{CanonicalName: n}
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Tylenol 500", "tylenol500"},
		{"타이레놀정 500mg(아세트아미노펜)", "타이레놀정500mg아세트아미노펜"},
		{"  ", ""},
		{"Co-Trimoxazole", "cotrimoxazole"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestPartialRatio(t *testing.T) {
	assert.Equal(t, 100, PartialRatio("abc", "xxabcxx"))
	assert.Equal(t, 0, PartialRatio("", "abc"))
	assert.Equal(t, PartialRatio("abcd", "zzabxdzz"), PartialRatio("zzabxdzz", "abcd"))
	assert.Less(t, PartialRatio("abcd", "wxyz"), 50)
}

func TestSubstringScoresMax(t *testing.T) {
	m := Matcher{}
	got := m.Resolve("타이레놀", drugs("타이레놀정500밀리그램(아세트아미노펜)", "아스피린"))
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].Score)

	// Containment in the other direction.
	got = m.Resolve("아스피린프로텍트정100mg", drugs("아스피린"))
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].Score)
}

func TestPartialRatioAboveCutoff(t *testing.T) {
	m := Matcher{Cutoff: 50}
	got := m.Resolve("타이레놀정500mg", drugs("타이레놀정500밀리그램"))
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Score, 50)
	assert.Less(t, got[0].Score, 100)
}

func TestContainmentOutranksPartial(t *testing.T) {
	m := Matcher{}
	got := m.Resolve("와파린", drugs("와파리나", "쿠마딘와파린정"))
	require.NotEmpty(t, got)
	assert.Equal(t, "쿠마딘와파린정", got[0].Record.CanonicalName)
	assert.Equal(t, 100, got[0].Score)
}

func TestResolveEmpty(t *testing.T) {
	m := Matcher{}
	assert.Empty(t, m.Resolve("", drugs("아스피린")))
	assert.Empty(t, m.Resolve("  ", drugs("아스피린")))
	assert.Empty(t, m.Resolve("아스피린", nil))
}

func TestResolveAliasesAndDedup(t *testing.T) {
	cands := []record.DrugRecord{
		{CanonicalName: "아세트아미노펜", Aliases: []string{"타이레놀", "Tylenol"}},
		{CanonicalName: "아세트 아미노펜"},
		{CanonicalName: "이부프로펜"},
	}
	got := Matcher{}.Resolve("tylenol", cands)
	require.Len(t, got, 1)
	assert.Equal(t, "아세트아미노펜", got[0].Record.CanonicalName)
	assert.Equal(t, "Tylenol", got[0].Name)
}

func TestResolveTopN(t *testing.T) {
	cands := drugs("aspirin a", "aspirin bb", "aspirin ccc", "aspirin dddd")
	got := Matcher{TopN: 2}.Resolve("aspirin", cands)
	require.Len(t, got, 2)
	assert.Equal(t, "aspirin a", got[0].Record.CanonicalName)
	assert.Equal(t, "aspirin bb", got[1].Record.CanonicalName)
}

func TestAmbiguous(t *testing.T) {
	m := Matcher{Margin: 5}

	got := m.Resolve("타이레놀", drugs("타이레놀정500밀리그램", "타이레놀이알서방정"))
	amb := m.Ambiguous("타이레놀", got)
	assert.Len(t, amb, 2)

	exact := m.Resolve("아스피린", drugs("아스피린", "아스피린프로텍트"))
	assert.Nil(t, m.Ambiguous("아스피린", exact))

	single := []Match{{Record: record.DrugRecord{CanonicalName: "a"}, Score: 100}}
	assert.Nil(t, m.Ambiguous("x", single))

	spread := []Match{
		{Record: record.DrugRecord{CanonicalName: "a"}, Score: 90},
		{Record: record.DrugRecord{CanonicalName: "b"}, Score: 60},
	}
	assert.Nil(t, m.Ambiguous("x", spread))
}
