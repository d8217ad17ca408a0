package textutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"i", "love", "hiking"}, Words("I love hiking!"))
	assert.Equal(t, []string{"what", "do", "i", "like"}, Words("What do I like?"))
	assert.Equal(t, []string{"我", "爱", "徒", "步", "go123"}, Words("我爱徒步, Go123"))
	assert.Empty(t, Words("  ?!  "))
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"love", "hiking"}, Keywords("I love hiking"))
	assert.Equal(t, []string{"like"}, Keywords("What do I like?"))
	assert.Equal(t, []string{"great", "hobby"}, Keywords("Great hobby! great"))
	assert.Equal(t, []string{"爱", "徒", "步"}, Keywords("我爱徒步"[3:]))
	assert.Empty(t, Keywords("a b c"))
}

func TestKeywordSet(t *testing.T) {
	set := KeywordSet("Hiking and more hiking")
	assert.Len(t, set, 2)
	assert.Contains(t, set, "hiking")
	assert.Contains(t, set, "more")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "i love hiking", Normalize("  I   LOVE\thiking\n"))
	assert.Equal(t, "", Normalize("   "))
}

func TestKeywords_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		kws := Keywords(text)

		seen := map[string]bool{}
		for _, k := range kws {
			if seen[k] {
				t.Fatalf("duplicate keyword %q", k)
			}
			seen[k] = true
			if strings.TrimSpace(k) == "" {
				t.Fatalf("blank keyword")
			}
			if stopWords[k] {
				t.Fatalf("stop word %q leaked", k)
			}
		}
	})
}
