package sentiment

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/autosnipe/internal/solana"
)

// mintPattern matches whole base58 words the length of a Solana address. A
// longer run is not an address and yields nothing, not a slice of it.
var mintPattern = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

// ExtractMints returns the distinct mint candidates in text, in order of
// first appearance. A candidate must decode to exactly 32 bytes; quote
// mints (SOL, USDC, USDT) are never returned.
func ExtractMints(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mintPattern.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		b, err := base58.Decode(m)
		if err != nil || len(b) != 32 {
			continue
		}
		if solana.IsQuoteMint(solana.Pubkey(m)) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ---------------------------------------------------------------------------
// Keyword lexicon
// ---------------------------------------------------------------------------

// Lexicon maps lowercase keywords to a polarity: positive words push the
// score toward 100, negative toward 0.
type Lexicon struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// DefaultLexicon returns the built-in memecoin chatter lexicon.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Positive: []string{"moon", "mooning", "pump", "pumping", "bullish", "gem", "send", "ape", "aped", "buy", "buying", "100x", "10x", "lfg", "based", "breakout", "undervalued", "early", "alpha", "ath"},
		Negative: []string{"rug", "rugged", "rugpull", "scam", "honeypot", "dump", "dumping", "bearish", "sell", "selling", "exit", "dead", "avoid", "fake", "drained", "jeet", "rekt", "warning"},
	}
}

type scorer struct {
	polarity map[string]int
}

func newScorer(lx Lexicon) *scorer {
	p := make(map[string]int, len(lx.Positive)+len(lx.Negative))
	for _, w := range lx.Positive {
		p[strings.ToLower(w)] = 1
	}
	for _, w := range lx.Negative {
		p[strings.ToLower(w)] = -1
	}
	return &scorer{polarity: p}
}

// Score rates text 0-100. Text with no lexicon hits is neutral (50).
func (s *scorer) Score(text string) float64 {
	pos, neg := 0, 0
	for _, w := range strings.FieldsFunc(strings.ToLower(text), splitWord) {
		switch s.polarity[w] {
		case 1:
			pos++
		case -1:
			neg++
		}
	}
	if pos+neg == 0 {
		return 50
	}
	return 50 + 50*float64(pos-neg)/float64(pos+neg)
}

func splitWord(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
