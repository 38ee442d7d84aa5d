package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain binomial", "Amanita muscaria", "Amanita muscaria"},
		{"authorship with parens", "Amanita muscaria (L.) Lam.", "Amanita muscaria"},
		{"authorship with year", "Amanita muscaria Lam. 1783", "Amanita muscaria"},
		{"bare author token", "Boletus edulis Bull.", "Boletus edulis"},
		{"collapsed whitespace", "  Amanita   muscaria  ", "Amanita muscaria"},
		{"genus only", "Amanita", "Amanita"},
		{"infraspecific rank kept", "Amanita muscaria var. alba", "Amanita muscaria var. alba"},
		{"year terminates", "Quercus robur L. 1753", "Quercus robur"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalizeName(tt.raw))
		})
	}
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, "amanita muscaria", FoldName("Amanita  Muscaria"))
	assert.Equal(t, FoldName("AMANITA MUSCARIA"), FoldName("amanita muscaria"))
}

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("Amanita muscaria", "amanita  muscaria"),
		"folded-identical names score 1")
	assert.Equal(t, 0.0, TrigramSimilarity("", ""))

	// A one-letter misspelling stays close.
	close := TrigramSimilarity("Amanita muscaria", "Amanita muscarla")
	assert.Greater(t, close, 0.75)
	assert.Less(t, close, 1.0)

	// Unrelated names score low.
	far := TrigramSimilarity("Amanita muscaria", "Quercus robur")
	assert.Less(t, far, 0.2)
}

func TestTaxonKeyDeterminism(t *testing.T) {
	a := TaxonKey("Amanita Muscaria", "species")
	b := TaxonKey("amanita  muscaria", "species")
	assert.Equal(t, a, b, "case and whitespace do not change identity")
	assert.Equal(t, IDFromContent(a), IDFromContent(b))

	c := TaxonKey("Amanita muscaria", "genus")
	assert.NotEqual(t, a, c, "rank is part of identity")
}
