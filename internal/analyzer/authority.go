package analyzer

import (
	"math"
	"sort"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

// domainProfile accumulates the backlink profile of one target domain.
type domainProfile struct {
	domain       string
	backlinks    int
	nofollow     int
	refDomains   map[string]struct{}
	anchors      map[string]struct{}
	anchorTotal  int
	refRankSum   float64
	refRankCount int
}

// domainAuthority scores every target domain into [0,100]. The mapping is
// monotonic in the raw profile score and calibrated so the top-percentile
// domain of the current corpus lands near 95, leaving headroom above it.
func domainAuthority(g *graph, ranks []float64) []crawler.DomainScore {
	profiles := make(map[string]*domainProfile)

	for _, link := range g.links {
		targetDomain := crawler.Domain(link.TargetURL)
		if targetDomain == "" {
			continue
		}
		p, ok := profiles[targetDomain]
		if !ok {
			p = &domainProfile{
				domain:     targetDomain,
				refDomains: make(map[string]struct{}),
				anchors:    make(map[string]struct{}),
			}
			profiles[targetDomain] = p
		}
		p.backlinks++
		if link.IsNofollow {
			p.nofollow++
		}
		if sourceDomain := crawler.Domain(link.SourceURL); sourceDomain != "" {
			p.refDomains[sourceDomain] = struct{}{}
		}
		if link.AnchorText != "" {
			p.anchors[link.AnchorText] = struct{}{}
			p.anchorTotal++
		}
		if idx, ok := g.index[link.SourceURL]; ok && idx < len(ranks) {
			p.refRankSum += ranks[idx]
			p.refRankCount++
		}
	}
	if len(profiles) == 0 {
		return nil
	}

	n := float64(g.size())
	raws := make([]float64, 0, len(profiles))
	rawByDomain := make(map[string]float64, len(profiles))
	for domain, p := range profiles {
		raw := rawAuthority(p, n)
		rawByDomain[domain] = raw
		raws = append(raws, raw)
	}

	// Calibrate against the 99th-percentile raw score so the top of the
	// current corpus lands near 95 with headroom above it.
	sort.Float64s(raws)
	idx := (len(raws) * 99) / 100
	if idx >= len(raws) {
		idx = len(raws) - 1
	}
	pivot := raws[idx]
	if pivot <= 0 {
		pivot = raws[len(raws)-1]
	}

	scores := make([]crawler.DomainScore, 0, len(profiles))
	for domain, p := range profiles {
		score := 0.0
		if pivot > 0 {
			score = 95 * rawByDomain[domain] / pivot
		}
		if score > 100 {
			score = 100
		}
		scores = append(scores, crawler.DomainScore{
			Domain:           domain,
			AuthorityScore:   score,
			BacklinkCount:    p.backlinks,
			ReferringDomains: len(p.refDomains),
		})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Domain < scores[j].Domain })
	return scores
}

// rawAuthority combines referring-domain diversity, mean referrer rank,
// nofollow penalty, and anchor diversity into an uncalibrated score.
func rawAuthority(p *domainProfile, graphSize float64) float64 {
	diversity := math.Log1p(float64(len(p.refDomains)))

	// Mean referrer rank relative to the uniform 1/N baseline.
	meanRank := 0.0
	if p.refRankCount > 0 && graphSize > 0 {
		meanRank = (p.refRankSum / float64(p.refRankCount)) * graphSize
	}

	nofollowRatio := 0.0
	if p.backlinks > 0 {
		nofollowRatio = float64(p.nofollow) / float64(p.backlinks)
	}

	anchorDiversity := 0.0
	if p.anchorTotal > 0 {
		anchorDiversity = float64(len(p.anchors)) / float64(p.anchorTotal)
		if anchorDiversity > 1 {
			anchorDiversity = 1
		}
	}

	return diversity * (1 + 0.5*math.Log1p(meanRank)) * (1 - 0.5*nofollowRatio) * (0.75 + 0.25*anchorDiversity)
}
