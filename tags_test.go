package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTagsFrequencyOrder(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	u := MustParse("http://example.com/")
	tags := PageTags("", "kayak kayak kayak paddle paddle river", u)
	require.True(t, len(tags) >= 3)
	assert.Equal(t, "kayak", tags[0])
	assert.Equal(t, "paddle", tags[1])
	assert.Equal(t, "river", tags[2])
}

func TestPageTagsFiltering(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	u := MustParse("http://example.com/")
	tags := PageTags("About the Home Page", "cat hi a um search index kayaking", u)
	// stopwords, short tokens, and uppercase-only input never survive
	assert.NotContains(t, tags, "about")
	assert.NotContains(t, tags, "home")
	assert.NotContains(t, tags, "search")
	assert.NotContains(t, tags, "index")
	assert.NotContains(t, tags, "cat")
	assert.NotContains(t, tags, "hi")
	assert.Contains(t, tags, "kayaking")
}

func TestPageTagsEmptyWithoutSignal(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	// every token of this URL is a stopword or too short; the embedded
	// crawler never pads, so nothing remains
	u := MustParse("http://com.com/")
	tags := PageTags("", "", u)
	assert.Empty(t, tags)
}

func TestPageTagsMaxCap(t *testing.T) {
	SetDefaultConfig()
	Config.Crawler.MaxTags = 5
	defer SetDefaultConfig()

	u := MustParse("http://example.com/")
	text := "alpha bravo charlie delta echo foxtrot golf hotel juliet kilo lima"
	tags := PageTags("", text, u)
	assert.Len(t, tags, 5)
}

func TestWorkerTags(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	u := MustParse("http://www.example.com/kayaking/rivers?region=norway")
	domainTags := map[string][]string{
		"example.com": {"Example", "outdoors"},
	}
	tags := WorkerTags(u, domainTags, 20)

	require.Len(t, tags, 20)
	assert.Equal(t, "example", tags[0])
	assert.Equal(t, "outdoors", tags[1])
	assert.Contains(t, tags, "kayaking")
	assert.Contains(t, tags, "rivers")
	assert.Contains(t, tags, "region")
	assert.Contains(t, tags, "norway")
	assert.False(t, GenericOnly(tags))
}

func TestWorkerTagsNoDuplicates(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	u := MustParse("http://example.com/kayak/kayak/kayak")
	tags := WorkerTags(u, nil, 5)
	seen := map[string]int{}
	for _, tag := range tags {
		seen[tag]++
		assert.Equal(t, 1, seen[tag], "duplicate tag %v", tag)
	}
}

func TestGenericOnly(t *testing.T) {
	assert.True(t, GenericOnly(nil))
	assert.True(t, GenericOnly([]string{"web0", "web1", "web19"}))
	assert.False(t, GenericOnly([]string{"web0", "kayaking"}))
	assert.False(t, GenericOnly([]string{"webs"}))
	assert.False(t, GenericOnly([]string{"website"}))
}
