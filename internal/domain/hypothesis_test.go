package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidenceOverallIsDeterministicWeightedMean(t *testing.T) {
	c := ConfidenceComponents{Entity: 0.8, Action: 0.9, Extraction: 0.7, Completeness: 0.6}
	want := 0.8*weightEntity + 0.9*weightAction + 0.7*weightExtraction + 0.6*weightCompleteness
	assert.InDelta(t, want, c.Overall(), 1e-9)
}

func TestConfidenceOverallClampedToUnitRange(t *testing.T) {
	assert.Equal(t, 0.0, ConfidenceComponents{}.Overall())
	assert.LessOrEqual(t, ConfidenceComponents{Entity: 1, Action: 1, Extraction: 1, Completeness: 1}.Overall(), 1.0)
}

func TestExtractionValidRequiresTargetOrCreate(t *testing.T) {
	assert.True(t, Extraction{WriteMode: WriteCreate}.Valid())
	assert.False(t, Extraction{WriteMode: WriteEnrich}.Valid())
	assert.True(t, Extraction{WriteMode: WriteEnrich, TargetNote: "budget-q1"}.Valid())
}

func TestMergeExtractionsLaterStageSupersedesEarlier(t *testing.T) {
	early := Hypothesis{
		Extractions: []Extraction{
			{TargetNote: "n1", TargetSection: "## History", PayloadSummary: "met on tuesday", Importance: ImportanceLow},
		},
	}
	later := Hypothesis{
		Extractions: []Extraction{
			{TargetNote: "n1", TargetSection: "## History", PayloadSummary: "met on tuesday", Importance: ImportanceHigh},
			{TargetNote: "n2", TargetSection: "## Events", PayloadSummary: "budget review", Importance: ImportanceMedium},
		},
	}
	merged := MergeExtractions([]Hypothesis{early, later})
	require.Len(t, merged, 2)
	assert.Equal(t, ImportanceHigh, merged[0].Importance, "later stage's revision must win on matching key")
	assert.Equal(t, "n2", merged[1].TargetNote)
}

func TestTabForDerivesFromStatusFields(t *testing.T) {
	assert.Equal(t, TabErrors, TabFor(StatusErrored, nil, ""))
	assert.Equal(t, TabSnoozed, TabFor(StatusSnoozed, nil, ""))
	assert.Equal(t, TabToProcess, TabFor(StatusPending, nil, ""))
	assert.Equal(t, TabErrors, TabFor(StatusPending, nil, "boom"))
	assert.Equal(t, TabHistory, TabFor(StatusExecuted, nil, ""))
}

func TestEventIDIsStableForSameSourceTuple(t *testing.T) {
	a := EventID(SourceEmail, "msg-123")
	b := EventID(SourceEmail, "msg-123")
	c := EventID(SourceEmail, "msg-124")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
