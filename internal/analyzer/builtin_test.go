package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

func TestCategory(t *testing.T) {
	assert.Equal(t, "promoter", Category(10))
	assert.Equal(t, "promoter", Category(9))
	assert.Equal(t, "passive", Category(8))
	assert.Equal(t, "passive", Category(7))
	assert.Equal(t, "detractor", Category(6))
	assert.Equal(t, "detractor", Category(0))
}

func TestComputeNPS(t *testing.T) {
	var rs []survey.Response
	for _, s := range []int{10, 9, 9, 8, 7, 6, 3} {
		rs = append(rs, survey.Response{ID: "x", Score: s})
	}

	m := ComputeNPS(rs)
	assert.Equal(t, 3, m.Promoters)
	assert.Equal(t, 2, m.Passives)
	assert.Equal(t, 2, m.Detractors)
	assert.Equal(t, 42.9, m.PromoterPct)
	assert.Equal(t, 14.3, m.NPS)

	assert.Equal(t, NPSMetrics{}, ComputeNPS(nil))
}

func TestQualityLabel(t *testing.T) {
	assert.Equal(t, QualityHigh, QualityLabel(0.9))
	assert.Equal(t, QualityMedium, QualityLabel(0.89))
	assert.Equal(t, QualityMedium, QualityLabel(0.7))
	assert.Equal(t, QualityLow, QualityLabel(0.5))
	assert.Equal(t, QualityInsufficient, QualityLabel(0.49))
}

func TestClean(t *testing.T) {
	ds := survey.Dataset{Responses: []survey.Response{
		{ID: " r1 ", Score: 9, Comment: "Great   <b>service</b>!!!!! mail me at jane@example.com"},
		{ID: "r2", Score: 4, Comment: "call +1 555 123 4567 now"},
		{ID: "r3", Score: 12},
		{ID: "", Score: 5},
	}}

	c := Clean(ds)
	assert.Equal(t, 4, c.Total)
	assert.Equal(t, 2, c.Valid)
	assert.Equal(t, 2, c.Invalid)
	assert.Equal(t, 0.5, c.ValidRatio)
	assert.Equal(t, QualityLow, c.Quality)
	require.Len(t, c.Responses, 2)
	assert.Equal(t, "r1", c.Responses[0].ID)
	assert.Equal(t, "Great service!! mail me at [email]", c.Responses[0].Comment)
	assert.Equal(t, "call [phone] now", c.Responses[1].Comment)
}

func TestBuiltin_Analyze(t *testing.T) {
	b := Builtin{}
	ctx := context.Background()

	raw, err := b.Analyze(ctx, unit.Ingest, survey.Dataset{Responses: []survey.Response{{ID: "a", Score: 10}}})
	require.NoError(t, err)
	cleaned, err := Decode[CleanedData](raw)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned.Valid)

	raw, err = b.Analyze(ctx, unit.NPSMetrics, cleaned)
	require.NoError(t, err)
	m, err := Decode[NPSMetrics](raw)
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.NPS)

	_, err = b.Analyze(ctx, unit.NPSMetrics, "not cleaned data")
	assert.True(t, unit.IsKind(err, unit.KindInvalidInput))

	_, err = b.Analyze(ctx, unit.Coordinator, nil)
	assert.True(t, unit.IsKind(err, unit.KindInvalidInput))
}
