package armor

import "strings"

// DefaultMaxDistance is the edit-distance cutoff for fuzzy matching. Two
// errors in an 11-character code is the most the checksum repair misses
// while still being safe to attribute.
const DefaultMaxDistance = 2

// Matcher resolves recognized codes against the set of block ids requested
// for a job. Each id can be claimed once; later claims of the same id fail
// so one mangled code cannot steal another block's text.
type Matcher struct {
	expected    []string
	normalized  []string
	claimed     map[int]bool
	maxDistance int
}

// NewMatcher builds a matcher over the requested block ids.
func NewMatcher(expected []string, maxDistance int) *Matcher {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	norm := make([]string, len(expected))
	for i, id := range expected {
		norm[i] = Normalize(id)
	}
	return &Matcher{
		expected:    expected,
		normalized:  norm,
		claimed:     make(map[int]bool),
		maxDistance: maxDistance,
	}
}

// Match resolves a recognized code to a requested block id and claims it.
// Resolution order: exact, normalized, checksum repair, then bounded
// Levenshtein distance with the closest unclaimed id winning.
func (m *Matcher) Match(code string) (string, bool) {
	clean := Normalize(code)
	if clean == "" {
		return "", false
	}

	// Exact or normalized-exact.
	for i, norm := range m.normalized {
		if norm == clean {
			return m.claim(i)
		}
	}

	// Checksum repair handles insertions, deletions and confusion-table
	// substitutions deterministically.
	if fixed, ok := Repair(code); ok {
		fixedClean := Normalize(fixed)
		for i, norm := range m.normalized {
			if norm == fixedClean {
				return m.claim(i)
			}
		}
		// Legacy ids: expected values may be raw UUIDs rather than codes.
		// Encoding reduces the UUID prefix modulo the payload space, so the
		// comparison re-encodes each candidate instead of matching the
		// decoded hex against the UUID text.
		for i, id := range m.expected {
			cleanID := strings.ToLower(strings.ReplaceAll(id, "-", ""))
			if len(cleanID) != 32 || !isHex(cleanID) {
				continue
			}
			if encoded, err := Encode(id); err == nil && Normalize(encoded) == fixedClean {
				return m.claim(i)
			}
		}
	}

	// Fuzzy fallback for codes the repair cannot fix.
	best, bestDist := -1, m.maxDistance+1
	for i, norm := range m.normalized {
		if m.claimed[i] || len(norm) != codeLen {
			continue
		}
		d := levenshtein(clean, norm, m.maxDistance)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		return m.claim(best)
	}
	return "", false
}

// Unclaimed returns the requested ids no recognized code has matched.
func (m *Matcher) Unclaimed() []string {
	var out []string
	for i, id := range m.expected {
		if !m.claimed[i] {
			out = append(out, id)
		}
	}
	return out
}

func (m *Matcher) claim(i int) (string, bool) {
	if m.claimed[i] {
		return "", false
	}
	m.claimed[i] = true
	return m.expected[i], true
}

// levenshtein computes edit distance with early exit once the distance
// provably exceeds limit.
func levenshtein(a, b string, limit int) int {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if abs(la-lb) > limit {
		return limit + 1
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > limit {
			return limit + 1
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
