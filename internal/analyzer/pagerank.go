package analyzer

const (
	dampingFactor  = 0.85
	maxIterations  = 100
	convergenceEps = 1e-6
)

// pagerank runs weighted power iteration over g. Sinks redistribute their
// mass uniformly to every node. The returned vector sums to 1.
func pagerank(g *graph) []float64 {
	n := g.size()
	if n == 0 {
		return nil
	}

	ranks := make([]float64, n)
	next := make([]float64, n)
	initial := 1.0 / float64(n)
	for i := range ranks {
		ranks[i] = initial
	}

	for iter := 0; iter < maxIterations; iter++ {
		base := (1 - dampingFactor) / float64(n)

		sinkMass := 0.0
		for i := 0; i < n; i++ {
			if g.outWeight[i] == 0 {
				sinkMass += ranks[i]
			}
		}
		sinkShare := dampingFactor * sinkMass / float64(n)

		for i := range next {
			next[i] = base + sinkShare
		}
		for i := 0; i < n; i++ {
			if g.outWeight[i] == 0 {
				continue
			}
			scale := dampingFactor * ranks[i] / g.outWeight[i]
			for _, e := range g.out[i] {
				next[e.to] += scale * e.weight
			}
		}

		maxDelta := 0.0
		for i := range ranks {
			delta := next[i] - ranks[i]
			if delta < 0 {
				delta = -delta
			}
			if delta > maxDelta {
				maxDelta = delta
			}
		}
		ranks, next = next, ranks
		if maxDelta < convergenceEps {
			break
		}
	}

	// Damping plus sink handling conserves mass up to floating error; a
	// final normalization pins the sum to exactly 1.
	sum := 0.0
	for _, r := range ranks {
		sum += r
	}
	if sum > 0 {
		for i := range ranks {
			ranks[i] /= sum
		}
	}
	return ranks
}
