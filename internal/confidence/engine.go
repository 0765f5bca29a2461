// Package confidence decides whether a generated candidate answer is
// trustworthy enough to send without a human in the loop.
//
// The score blends three independent signals: retrieval strength alone
// over-trusts relevant-but-hallucinated answers, lexical overlap alone
// over-trusts answers that echo the question, and the length band cheaply
// catches degenerate empty or rambling outputs.
package confidence

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/retrieval"
)

// DefaultThreshold gates automated replies: scores below it escalate.
const DefaultThreshold = 0.6

// Signal weights. Each signal contributes at most its weight.
const (
	weightRetrieval = 0.5
	weightLexical   = 0.3
	weightLength    = 0.2
)

// Answer length band in characters. Below minAnswerLen the length signal
// scales linearly toward 0; above maxAnswerLen it decays asymptotically
// toward 0.5.
const (
	minAnswerLen = 20
	maxAnswerLen = 500
)

// stopWords are excluded from the lexical-grounding signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "am": true, "do": true, "does": true,
	"did": true, "can": true, "could": true, "will": true, "would": true,
	"should": true, "i": true, "you": true, "he": true, "she": true, "it": true,
	"we": true, "they": true, "my": true, "your": true, "me": true, "to": true,
	"of": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"and": true, "or": true, "not": true, "no": true, "yes": true, "please": true,
	"what": true, "when": true, "where": true, "how": true, "why": true,
	"who": true, "this": true, "that": true, "there": true, "have": true,
	"has": true, "had": true, "need": true, "want": true, "about": true,
}

// humanRequestPhrases trigger escalation regardless of the numeric score.
// Matched case-insensitively as substrings.
var humanRequestPhrases = []string{
	"talk to a human",
	"talk to a person",
	"speak to a human",
	"speak to a person",
	"speak with a human",
	"talk to someone",
	"real person",
	"real human",
	"human agent",
	"live agent",
	"human operator",
	"human support",
	"not a bot",
	"stop the bot",
	"customer service rep",
	"transfer me",
}

// Engine scores candidate answers and rule-matches explicit hand-off
// requests. The zero value is not usable; use New.
type Engine struct {
	threshold float64
}

// New creates an engine with the given escalation threshold; threshold <= 0
// uses DefaultThreshold.
func New(threshold float64) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{threshold: threshold}
}

// Threshold returns the engine's default escalation threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Score rates a candidate answer against the inbound query and the retrieved
// passages. Result is always within [0,1].
func (e *Engine) Score(query string, passages []retrieval.Passage, answer string) float64 {
	score := weightRetrieval*retrievalStrength(passages) +
		weightLexical*lexicalGrounding(query, answer) +
		weightLength*lengthPlausibility(answer)
	return convo.ClampScore(score)
}

// ShouldEscalate reports whether a score fails the threshold. Strict
// inequality: a score exactly at the threshold is trusted. threshold <= 0
// uses the engine default.
func (e *Engine) ShouldEscalate(score, threshold float64) bool {
	if threshold <= 0 {
		threshold = e.threshold
	}
	return score < threshold
}

// IsExplicitHumanRequest reports whether the message asks for a human
// operator outright. Takes priority over the numeric score.
func (e *Engine) IsExplicitHumanRequest(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range humanRequestPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// retrievalStrength is the mean relevance of the retrieved passages, 0 when
// nothing was retrieved. Relevance is normalized to higher-is-better by the
// retrieval adapter before it reaches the engine.
func retrievalStrength(passages []retrieval.Passage) float64 {
	if len(passages) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range passages {
		sum += convo.ClampScore(p.Relevance)
	}
	return sum / float64(len(passages))
}

// lexicalGrounding is the fraction of the query's content words that also
// appear in the answer; 0.5 when the query has no content words.
func lexicalGrounding(query, answer string) float64 {
	words := contentWords(query)
	if len(words) == 0 {
		return 0.5
	}
	lowerAnswer := strings.ToLower(answer)
	hits := 0
	for word := range words {
		if strings.Contains(lowerAnswer, word) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

func contentWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) > 1 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// lengthPlausibility is 1.0 inside the [minAnswerLen, maxAnswerLen] band,
// linear toward 0 below it, and asymptotic toward 0.5 above it. The band is
// measured in runes, not bytes, so multibyte scripts are banded the same as
// ASCII.
func lengthPlausibility(answer string) float64 {
	n := utf8.RuneCountInString(answer)
	switch {
	case n < minAnswerLen:
		return float64(n) / float64(minAnswerLen)
	case n <= maxAnswerLen:
		return 1.0
	default:
		return 0.5 + 0.5*float64(maxAnswerLen)/float64(n)
	}
}
