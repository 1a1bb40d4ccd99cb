// Package nlp turns clinical note text into keyword candidates for adjudication.
package nlp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
)

const (
	operatorAnd    = "AND"
	operatorOr     = "OR"
	groupOpen      = "("
	groupClose     = ")"
	negationWindow = 5
)

// ErrInvalidQuery indicates a query that does not follow the keyword grammar.
var ErrInvalidQuery = errors.New("nlp: invalid query")

var (
	wordPattern = regexp.MustCompile(`^[A-Za-z0-9*?]+$`)
	groupSpacer = strings.NewReplacer(groupOpen, " "+groupOpen+" ", groupClose, " "+groupClose+" ")

	negationCues = map[string]struct{}{
		"no":       {},
		"not":      {},
		"never":    {},
		"without":  {},
		"denies":   {},
		"denied":   {},
		"deny":     {},
		"negative": {},
		"absent":   {},
		"none":     {},
		"nor":      {},
		"free":     {},
		"ruled":    {},
	}
)

// phrase is a run of consecutive token patterns. Single keywords are phrases of length one.
type phrase []*regexp.Regexp

// Matcher finds query keywords in note text.
type Matcher struct {
	query   string
	phrases []phrase
}

// Compile parses a keyword query. Keywords are joined with OR; a parenthesised
// group joins keywords with AND and matches them as consecutive tokens.
// Keywords accept * (any run of characters) and ? (one character) and match
// whole tokens case-insensitively.
func Compile(query string) (*Matcher, error) {
	fields := strings.Fields(groupSpacer.Replace(query))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidQuery)
	}

	matcher := &Matcher{query: strings.TrimSpace(query)}
	position := 0
	for {
		parsed, next, err := parseAlternative(fields, position)
		if err != nil {
			return nil, err
		}
		matcher.phrases = append(matcher.phrases, parsed)
		position = next
		if position == len(fields) {
			return matcher, nil
		}
		if fields[position] != operatorOr {
			return nil, fmt.Errorf("%w: expected OR before %q", ErrInvalidQuery, fields[position])
		}
		position++
		if position == len(fields) {
			return nil, fmt.Errorf("%w: trailing OR", ErrInvalidQuery)
		}
	}
}

func parseAlternative(fields []string, position int) (phrase, int, error) {
	if fields[position] != groupOpen {
		pattern, err := compileKeyword(fields[position])
		if err != nil {
			return nil, 0, err
		}
		return phrase{pattern}, position + 1, nil
	}

	position++
	var group phrase
	for {
		if position >= len(fields) {
			return nil, 0, fmt.Errorf("%w: unclosed group", ErrInvalidQuery)
		}
		pattern, err := compileKeyword(fields[position])
		if err != nil {
			return nil, 0, err
		}
		group = append(group, pattern)
		position++
		if position >= len(fields) {
			return nil, 0, fmt.Errorf("%w: unclosed group", ErrInvalidQuery)
		}
		switch fields[position] {
		case groupClose:
			return group, position + 1, nil
		case operatorAnd:
			position++
		default:
			return nil, 0, fmt.Errorf("%w: expected AND or ) before %q", ErrInvalidQuery, fields[position])
		}
	}
}

func compileKeyword(word string) (*regexp.Regexp, error) {
	if word == operatorAnd || word == operatorOr || !wordPattern.MatchString(word) {
		return nil, fmt.Errorf("%w: bad keyword %q", ErrInvalidQuery, word)
	}
	var builder strings.Builder
	builder.WriteString(`(?i)^`)
	for _, r := range word {
		switch r {
		case '*':
			builder.WriteString(`.*`)
		case '?':
			builder.WriteString(`.`)
		default:
			builder.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	builder.WriteString(`$`)
	return regexp.Compile(builder.String())
}

// Query returns the source query.
func (m *Matcher) Query() string {
	return m.query
}

// Annotate returns one candidate per keyword match, in text order. Offsets are
// byte offsets into text.
func (m *Matcher) Annotate(text string) []adjudication.Candidate {
	var candidates []adjudication.Candidate
	for sentenceIndex, sentence := range splitSentences(text) {
		tokens := tokenize(text, sentence)
		for index := range tokens {
			length := m.matchAt(tokens, index)
			if length == 0 {
				continue
			}
			start := tokens[index].start
			end := tokens[index+length-1].end
			candidates = append(candidates, adjudication.Candidate{
				Sentence:        text[sentence.start:sentence.end],
				SentenceIndex:   sentenceIndex,
				SentenceStart:   sentence.start,
				SentenceEnd:     sentence.end,
				NoteStart:       start,
				NoteEnd:         end,
				StartInSentence: start - sentence.start,
				EndInSentence:   end - sentence.start,
				Token:           text[start:end],
				Lemma:           strings.ToLower(strings.Join(strings.Fields(text[start:end]), " ")),
				Negated:         negatedAt(tokens, index),
			})
		}
	}
	return candidates
}

// matchAt returns the token length of the first phrase matching at index, or zero.
func (m *Matcher) matchAt(tokens []token, index int) int {
	for _, candidate := range m.phrases {
		if index+len(candidate) > len(tokens) {
			continue
		}
		matched := true
		for offset, pattern := range candidate {
			if !pattern.MatchString(tokens[index+offset].text) {
				matched = false
				break
			}
		}
		if matched {
			return len(candidate)
		}
	}
	return 0
}

func negatedAt(tokens []token, index int) bool {
	from := index - negationWindow
	if from < 0 {
		from = 0
	}
	for _, previous := range tokens[from:index] {
		if _, cue := negationCues[strings.ToLower(previous.text)]; cue {
			return true
		}
	}
	return false
}

type span struct {
	start int
	end   int
}

type token struct {
	text  string
	start int
	end   int
}

// splitSentences breaks text at ., ! or ? followed by whitespace, and at blank lines.
func splitSentences(text string) []span {
	var sentences []span
	start := 0
	for index := 0; index < len(text); index++ {
		boundary := -1
		switch text[index] {
		case '.', '!', '?':
			if index+1 == len(text) || isSpace(text[index+1]) {
				boundary = index + 1
			}
		case '\n':
			if index+1 < len(text) && text[index+1] == '\n' {
				boundary = index
			}
		}
		if boundary < 0 {
			continue
		}
		if trimmed, ok := trimSpan(text, start, boundary); ok {
			sentences = append(sentences, trimmed)
		}
		start = boundary
	}
	if trimmed, ok := trimSpan(text, start, len(text)); ok {
		sentences = append(sentences, trimmed)
	}
	return sentences
}

func trimSpan(text string, start, end int) (span, bool) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return span{start: start, end: end}, start < end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}

// tokenize returns the runs of letters and digits inside sentence.
func tokenize(text string, sentence span) []token {
	var tokens []token
	tokenStart := -1
	for index := sentence.start; index < sentence.end; {
		r, size := utf8.DecodeRuneInString(text[index:])
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		if word && tokenStart < 0 {
			tokenStart = index
		}
		if !word && tokenStart >= 0 {
			tokens = append(tokens, token{text: text[tokenStart:index], start: tokenStart, end: index})
			tokenStart = -1
		}
		index += size
	}
	if tokenStart >= 0 {
		tokens = append(tokens, token{text: text[tokenStart:sentence.end], start: tokenStart, end: sentence.end})
	}
	return tokens
}
