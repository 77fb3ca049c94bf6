// Package processing holds text helpers shared by the search mirror and the summarizer.
package processing

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>"]+`)

var (
	whitespace  = regexp.MustCompile(`\s+`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "in": {}, "for": {}, "of": {}, "and": {},
	"on": {}, "at": {}, "by": {}, "with": {}, "from": {}, "that": {}, "this": {},
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "将": {}, "对": {}, "与": {},
}

// ExtractURLs returns the distinct HTTP(S) URLs of input in order of appearance.
func ExtractURLs(input string) []string {
	if input == "" {
		return nil
	}
	matches := urlRegex.FindAllString(input, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var urls []string
	for _, url := range matches {
		if _, ok := seen[url]; !ok {
			seen[url] = struct{}{}
			urls = append(urls, url)
		}
	}
	return urls
}

// RemoveURLs removes all URLs from the input text.
func RemoveURLs(input string) string {
	return urlRegex.ReplaceAllString(input, " ")
}

// StripHTML drops markup and entities and squeezes whitespace, keeping
// punctuation. Feed content arrives as an HTML fragment. Script and style
// bodies are discarded.
func StripHTML(input string) string {
	if input == "" {
		return ""
	}

	var sb strings.Builder
	skip := 0
	z := html.NewTokenizer(strings.NewReader(input))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(whitespace.ReplaceAllString(sb.String(), " "))
		case html.StartTagToken:
			if isHidden(z) {
				skip++
			}
			sb.WriteByte(' ')
		case html.EndTagToken:
			if isHidden(z) && skip > 0 {
				skip--
			}
			sb.WriteByte(' ')
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Noscript:
		return true
	}
	return false
}

// CleanText reduces input to words: markup, URLs and punctuation removed,
// whitespace squeezed.
func CleanText(input string) string {
	if input == "" {
		return ""
	}
	decoded := StripHTML(input)
	decoded = RemoveURLs(decoded)
	decoded = punctuation.ReplaceAllString(decoded, " ")
	decoded = whitespace.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(decoded)
}

// ExtractKeywords returns the most frequent words that are not stop-words.
func ExtractKeywords(text string, limit, minLen int) []string {
	clean := strings.ToLower(CleanText(text))
	if clean == "" {
		return nil
	}

	freq := make(map[string]int)
	for _, token := range strings.Fields(clean) {
		token = strings.TrimFunc(token, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len([]rune(token)) < minLen {
			continue
		}
		if _, skip := stopwords[token]; skip {
			continue
		}
		freq[token]++
	}

	if len(freq) == 0 {
		return nil
	}

	type kv struct {
		word  string
		count int
	}

	pairs := make([]kv, 0, len(freq))
	for word, count := range freq {
		pairs = append(pairs, kv{word: word, count: count})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count == pairs[j].count {
			return pairs[i].word < pairs[j].word
		}
		return pairs[i].count > pairs[j].count
	})

	max := limit
	if max <= 0 || max > len(pairs) {
		max = len(pairs)
	}

	keywords := make([]string, 0, max)
	for i := 0; i < max; i++ {
		keywords = append(keywords, pairs[i].word)
	}

	return keywords
}

// Headline returns title when set, otherwise the first sentence of content
// cut to maxRunes. Flash items frequently come without a title.
func Headline(title, content string, maxRunes int) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	text := strings.TrimSpace(RemoveURLs(StripHTML(content)))
	if text == "" {
		return ""
	}

	text = firstSentence(text)

	runes := []rune(text)
	if maxRunes > 0 && len(runes) > maxRunes {
		return strings.TrimSpace(string(runes[:maxRunes])) + "..."
	}
	return text
}

// firstSentence cuts at a CJK terminator or at ". ", "! ", "? " so decimals
// such as 3.5% survive.
func firstSentence(text string) string {
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '。', '！', '？':
			if i > 0 {
				return strings.TrimSpace(string(runes[:i]))
			}
		case '.', '!', '?':
			if i > 0 && (i == len(runes)-1 || unicode.IsSpace(runes[i+1])) {
				return strings.TrimSpace(string(runes[:i]))
			}
		}
	}
	return text
}
