package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mindswarm/subspace/pkg/types"
)

// Strategy selects how the Selector ranks non-critical, non-pinned
// blocks within each priority class.
type Strategy string

const (
	StrategyBalanced Strategy = "balanced"
	StrategyRecent   Strategy = "recent"
	StrategyRelevant Strategy = "relevant"
)

// defaultHalfLife is used for any block type not given an explicit
// half-life via WithHalfLife.
const defaultHalfLife = 24 * time.Hour

// Selector chooses a budget-constrained subset of working memory,
// configured via functional options in the style of the teacher's
// router.SmartRouter (WithConfidenceThreshold, WithRiskAssessor).
type Selector struct {
	strategy  Strategy
	halfLives map[types.BlockType]time.Duration
	now       func() time.Time
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithStrategy sets the ranking strategy.
func WithStrategy(s Strategy) SelectorOption {
	return func(sel *Selector) { sel.strategy = s }
}

// WithHalfLife overrides the recency-decay half-life for one block
// type.
func WithHalfLife(t types.BlockType, d time.Duration) SelectorOption {
	return func(sel *Selector) { sel.halfLives[t] = d }
}

// WithClock overrides the selector's notion of "now", for deterministic
// tests.
func WithClock(now func() time.Time) SelectorOption {
	return func(sel *Selector) { sel.now = now }
}

// NewSelector returns a Selector configured by opts, defaulting to the
// balanced strategy.
func NewSelector(opts ...SelectorOption) *Selector {
	sel := &Selector{
		strategy:  StrategyBalanced,
		halfLives: make(map[types.BlockType]time.Duration),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(sel)
	}
	return sel
}

// Selection is the ordered subset of working memory chosen for one
// brain call, plus its estimated total token cost.
type Selection struct {
	Blocks              []*types.Block
	EstimatedTokens     int
	LargestCriticalCost int
}

// scored pairs a block with its lazily-computed relevance score and
// token estimate.
type scored struct {
	block  *types.Block
	score  float64
	tokens int
}

// Select implements the four ordered rules of spec.md §4.5: critical
// blocks always included; pinned blocks that fit always included;
// within each remaining priority class rank by relevance/recency; then
// greedily fill to budget. tokenEstimate estimates a block's cost without
// loading its content (content is loaded lazily, only for the selected
// subset, by the caller via ContentLoader).
func (s *Selector) Select(blocks []*types.Block, budget int, task string) Selection {
	now := s.now()

	remaining := budget
	var out []*types.Block
	included := make(map[types.BlockID]bool)

	var criticals []*types.Block
	for _, b := range blocks {
		if b.Priority == types.PriorityCritical {
			criticals = append(criticals, b)
		}
	}
	sort.SliceStable(criticals, func(i, j int) bool {
		return criticals[i].CreatedAt.Before(criticals[j].CreatedAt)
	})
	var largestCriticalTokens int
	for _, b := range criticals {
		t := tokenEstimate(b)
		if t > largestCriticalTokens {
			largestCriticalTokens = t
		}
		out = append(out, b)
		included[b.ID] = true
		remaining -= t
	}

	var pinned []*types.Block
	for _, b := range blocks {
		if b.Pinned && !included[b.ID] {
			pinned = append(pinned, b)
		}
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		return pinned[i].CreatedAt.Before(pinned[j].CreatedAt)
	})
	for _, b := range pinned {
		t := tokenEstimate(b)
		if t <= remaining {
			out = append(out, b)
			included[b.ID] = true
			remaining -= t
		}
	}

	byPriority := map[types.Priority][]*types.Block{}
	for _, b := range blocks {
		if included[b.ID] {
			continue
		}
		byPriority[b.Priority] = append(byPriority[b.Priority], b)
	}

	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
		candidates := byPriority[p]
		ranked := make([]scored, 0, len(candidates))
		for _, b := range candidates {
			ranked = append(ranked, scored{
				block:  b,
				score:  s.relevance(b, now, task),
				tokens: tokenEstimate(b),
			})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			return ranked[i].block.CreatedAt.After(ranked[j].block.CreatedAt)
		})
		for _, r := range ranked {
			if r.tokens <= remaining {
				out = append(out, r.block)
				included[r.block.ID] = true
				remaining -= r.tokens
			}
		}
	}

	total := 0
	for _, b := range out {
		total += tokenEstimate(b)
	}
	return Selection{Blocks: out, EstimatedTokens: total, LargestCriticalCost: largestCriticalTokens}
}

// relevance multiplicatively combines confidence, recency decay,
// keyword overlap with task, and an access-frequency boost, per
// spec.md §4.5.
func (s *Selector) relevance(b *types.Block, now time.Time, task string) float64 {
	confidence := b.Confidence
	if confidence <= 0 {
		confidence = 0.01
	}

	halfLife, ok := s.halfLives[b.Type]
	if !ok {
		halfLife = defaultHalfLife
	}
	age := now.Sub(b.CreatedAt)
	var recency float64 = 1
	if s.strategy != StrategyRelevant || halfLife > 0 {
		recency = math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
	}

	overlap := keywordOverlap(b, task)
	if s.strategy == StrategyRecent {
		overlap = (overlap + 1) / 2 // de-emphasize overlap under the "recent" strategy
	}

	freq := 1.0
	if b.Metadata != nil {
		if v, ok := b.Metadata["access_count"]; ok {
			if n, ok := toFloat(v); ok && n > 0 {
				freq = 1 + math.Log1p(n)
			}
		}
	}

	return confidence * recency * (0.5 + 0.5*overlap) * freq
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func keywordOverlap(b *types.Block, task string) float64 {
	if task == "" {
		return 0
	}
	taskWords := wordSet(task)
	if len(taskWords) == 0 {
		return 0
	}

	var haystack string
	switch b.Type {
	case types.BlockKnowledge:
		if b.Knowledge != nil {
			haystack = strings.Join(b.Knowledge.Topic, " ")
		}
	case types.BlockMessage:
		if b.Message != nil {
			haystack = b.Message.Subject + " " + b.Message.Preview
		}
	case types.BlockTask:
		if b.Task != nil {
			haystack = b.Task.Description
		}
	case types.BlockFile:
		if b.File != nil {
			haystack = b.File.Path
		}
	default:
		haystack = b.Raw
	}
	haystackWords := wordSet(haystack)
	if len(haystackWords) == 0 {
		return 0
	}

	matches := 0
	for w := range taskWords {
		if haystackWords[w] {
			matches++
		}
	}
	return float64(matches) / float64(len(taskWords))
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

// tokenEstimate approximates a block's cost for budget purposes without
// loading its full content — a cheap proxy derived from its header and
// subtype summary fields only.
func tokenEstimate(b *types.Block) int {
	base := 20 // header overhead: id, priority, metadata framing
	switch b.Type {
	case types.BlockFile:
		if b.File != nil {
			return base + types.EstimateTokens(b.File.Path)*2
		}
	case types.BlockMessage:
		if b.Message != nil {
			return base + types.EstimateTokens(b.Message.Subject+" "+b.Message.Preview)
		}
	case types.BlockObservation:
		if b.Observation != nil {
			return base + types.EstimateTokens(b.Observation.Summary)
		}
	case types.BlockKnowledge:
		if b.Knowledge != nil {
			return base + types.EstimateTokens(strings.Join(b.Knowledge.Topic, " "))
		}
	case types.BlockTask:
		if b.Task != nil {
			return base + types.EstimateTokens(b.Task.Description)
		}
	}
	return base + types.EstimateTokens(b.Raw)
}
