package analyzer

import (
	"regexp"
	"strings"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

// spamDictionary holds anchor texts that are near-certain spam on their own.
var spamDictionary = map[string]struct{}{
	"click here for deals":  {},
	"best price guaranteed": {},
	"cheap viagra":          {},
	"payday loans":          {},
	"casino bonus":          {},
	"free followers":        {},
}

const (
	longAnchorWords  = 5
	denseSourceLinks = 50
	minContextChars  = 50
)

// spamScorer evaluates individual links against heuristic signals.
type spamScorer struct {
	keywords  *regexp.Regexp
	threshold float64
}

func newSpamScorer(keywords []string, threshold float64) *spamScorer {
	if len(keywords) == 0 {
		keywords = []string{"buy", "cheap", "discount", "sale"}
	}
	escaped := make([]string, len(keywords))
	for i, k := range keywords {
		escaped[i] = regexp.QuoteMeta(strings.ToLower(k))
	}
	return &spamScorer{
		keywords:  regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`),
		threshold: threshold,
	}
}

// score accumulates signal weights for one link. sourceOutDegree is the link
// count of the page the edge was extracted from.
func (s *spamScorer) score(link crawler.Link, sourceOutDegree int) float64 {
	score := 0.0
	anchor := strings.TrimSpace(link.AnchorText)

	if len(strings.Fields(anchor)) > longAnchorWords {
		score += 0.2
	}
	if anchor != "" && s.keywords.MatchString(anchor) {
		score += 0.3
	}
	if sourceOutDegree > denseSourceLinks {
		score += 0.2
	}
	if len(link.Context) < minContextChars {
		score += 0.2
	}
	if _, hit := spamDictionary[strings.ToLower(anchor)]; hit {
		score += 0.4
	}
	return score
}

// flag reports whether the link crosses the spam threshold.
func (s *spamScorer) flag(link crawler.Link, sourceOutDegree int) bool {
	return s.score(link, sourceOutDegree) > s.threshold
}
