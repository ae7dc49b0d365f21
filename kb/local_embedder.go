package kb

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	defaultLocalEmbedDim = 384
	defaultMinNgram      = 3
	defaultMaxNgram      = 6
)

var (
	seedIndexBytes = []byte("schemarag-subword-idx-v1::")
	seedSignBytes  = []byte("schemarag-subword-sgn-v1::")
)

// LocalEmbedder is a deterministic, pure-Go embedder built on feature
// hashing. Identifiers are split on underscores and case changes, so USER_ID,
// user_id and UserId all share features with "user", and each multi-part
// identifier also contributes itself as one compound feature. Han runs (table
// comments are often Chinese) are hashed as character unigrams and bigrams.
// It needs no model server and backs tests and offline indexing.
type LocalEmbedder struct {
	dim      int
	minNgram int
	maxNgram int
}

// NewLocalEmbedder creates a local deterministic embedder with the given
// output dimensionality.
func NewLocalEmbedder(dim int) (*LocalEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidEmbeddingDimension, dim)
	}
	return &LocalEmbedder{dim: dim, minNgram: defaultMinNgram, maxNgram: defaultMaxNgram}, nil
}

var _ Embedder = (*LocalEmbedder)(nil)

// Embed returns the L2-normalized average of the token feature vectors.
func (e *LocalEmbedder) Embed(_ context.Context, input string) ([]float32, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("input cannot be empty")
	}

	vec := make([]float32, e.dim)
	var weight int
	for _, tok := range splitSchemaTokens(trimmed) {
		if tok.han {
			weight += e.addHanVector(vec, tok.text)
			continue
		}
		if _, skip := localEmbedStopwords[tok.text]; skip {
			continue
		}
		e.addWordVector(vec, tok.text)
		weight++
	}
	if weight == 0 {
		// punctuation-only or stopword-only input still gets a stable vector
		addFeature(vec, strings.ToLower(trimmed), e.dim)
		weight = 1
	}

	scale := 1.0 / float32(weight)
	for i := range vec {
		vec[i] *= scale
	}
	if !normalizeLocalVector(vec) {
		return nil, fmt.Errorf("failed to build embedding: zero vector")
	}
	return vec, nil
}

// EmbedBatch embeds each input independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("embed input %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *LocalEmbedder) Dimension(context.Context) (int, error) {
	return e.dim, nil
}

// addWordVector hashes the bounded word <word> and its character n-grams
// into vec.
func (e *LocalEmbedder) addWordVector(vec []float32, word string) {
	bounded := "<" + word + ">"
	runes := []rune(bounded)
	addFeature(vec, bounded, e.dim)
	for n := e.minNgram; n <= e.maxNgram && n <= len(runes); n++ {
		for i := 0; i <= len(runes)-n; i++ {
			addFeature(vec, string(runes[i:i+n]), e.dim)
		}
	}
}

// addHanVector hashes every character and every adjacent pair. It returns
// the number of characters so Han text weighs like the same count of words.
func (e *LocalEmbedder) addHanVector(vec []float32, text string) int {
	runes := []rune(text)
	for i := range runes {
		addFeature(vec, string(runes[i]), e.dim)
		if i+1 < len(runes) {
			addFeature(vec, string(runes[i:i+2]), e.dim)
		}
	}
	return len(runes)
}

func addFeature(vec []float32, feature string, dim int) {
	idx := int(stableHash(seedIndexBytes, feature) % uint64(dim))
	if stableHash(seedSignBytes, feature)%2 == 1 {
		vec[idx] -= 1.0
	} else {
		vec[idx] += 1.0
	}
}

type schemaToken struct {
	text string
	han  bool
}

// splitSchemaTokens lowercases and splits input into identifier parts, a
// compound token per multi-part identifier, and Han runs.
func splitSchemaTokens(input string) []schemaToken {
	var (
		out   []schemaToken
		ident []string
		part  []rune
		han   []rune
		prev  rune
	)
	flushPart := func() {
		if len(part) > 0 {
			ident = append(ident, strings.ToLower(string(part)))
			part = part[:0]
		}
	}
	flushIdent := func() {
		flushPart()
		for _, p := range ident {
			out = append(out, schemaToken{text: p})
		}
		if len(ident) > 1 {
			out = append(out, schemaToken{text: strings.Join(ident, "_")})
		}
		ident = ident[:0]
	}
	flushHan := func() {
		if len(han) > 0 {
			out = append(out, schemaToken{text: string(han), han: true})
			han = han[:0]
		}
	}

	for _, r := range input {
		switch {
		case unicode.Is(unicode.Han, r):
			flushIdent()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flushPart()
			}
			part = append(part, r)
		case r == '_':
			flushHan()
			flushPart()
		default:
			flushHan()
			flushIdent()
		}
		prev = r
	}
	flushHan()
	flushIdent()
	return out
}

func stableHash(seedWithSep []byte, token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(seedWithSep)
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

func normalizeLocalVector(vec []float32) bool {
	sumSq := 0.0
	for _, v := range vec {
		fv := float64(v)
		sumSq += fv * fv
	}
	if sumSq == 0 {
		return false
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
	return true
}

// Edge keywords appear in every multi-hop description; the rest are question
// filler.
var localEmbedStopwords = map[string]struct{}{
	"references": {}, "referenced": {}, "by": {},
	"a": {}, "all": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "each": {}, "every": {}, "find": {},
	"for": {}, "from": {}, "get": {}, "has": {}, "have": {}, "how": {}, "in": {}, "is": {}, "it": {}, "list": {},
	"many": {}, "me": {}, "much": {}, "of": {}, "on": {}, "or": {}, "show": {}, "that": {}, "the": {}, "their": {},
	"to": {}, "was": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "with": {},
}
