// Package textutil 提供缓存关键词索引、排序与向量化共用的文本切分规则。
package textutil

import (
	"strings"
	"unicode"
)

// stopWords 英文停用词
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"i": true, "me": true, "my": true, "you": true, "your": true,
	"he": true, "she": true, "it": true, "its": true,
	"we": true, "they": true, "what": true, "which": true, "who": true,
	"whom": true, "this": true, "that": true, "these": true, "those": true,
	"am": true, "can": true, "to": true, "of": true, "in": true,
	"for": true, "on": true, "with": true, "at": true, "by": true,
	"from": true, "as": true, "into": true, "through": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"so": true, "not": true, "no": true, "how": true, "why": true,
	"when": true, "where": true, "there": true, "here": true,
}

// Words 将文本切分为小写的字母/数字串，每个 CJK 字符单独成词。不做过滤。
func Words(text string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case IsCJK(r):
			flush()
			words = append(words, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()
	return words
}

// Keywords 返回去重后的检索关键词：过滤停用词与单字符拉丁词，保持首次出现顺序。
func Keywords(text string) []string {
	words := Words(text)
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] || stopWords[w] {
			continue
		}
		if len([]rune(w)) == 1 && !IsCJK([]rune(w)[0]) {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// KeywordSet 返回关键词集合
func KeywordSet(text string) map[string]struct{} {
	kws := Keywords(text)
	set := make(map[string]struct{}, len(kws))
	for _, k := range kws {
		set[k] = struct{}{}
	}
	return set
}

// Normalize 小写并折叠空白，用于内容去重
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// IsCJK reports whether r is a CJK ideograph or kana/hangul syllable.
func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
