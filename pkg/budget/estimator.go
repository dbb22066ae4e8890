package budget

import (
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Estimator counts tokens in a piece of text. Implementations must be
// deterministic and non-decreasing in text length; trimming relies on both.
type Estimator interface {
	CountText(text string) int
	Name() string
}

// Heuristic approximates sub-word tokenization at four characters per token
// plus a ten percent safety overhead: ceil(chars / 4 * 1.1). Characters are
// Unicode code points.
type Heuristic struct{}

// CountText implements Estimator.
func (Heuristic) CountText(text string) int {
	n := utf8.RuneCountInString(text)
	return (n*11 + 39) / 40
}

// Name implements Estimator.
func (Heuristic) Name() string { return "heuristic" }

// EstimateTokens applies the default heuristic to text.
func EstimateTokens(text string) int {
	return Heuristic{}.CountText(text)
}

// Estimator names accepted by NewEstimator.
const (
	EstimatorHeuristic = "heuristic"
	EstimatorTiktoken  = "tiktoken"
)

// NewEstimator builds the named estimator strategy. An empty name selects the
// heuristic.
func NewEstimator(name, encoding string, logger *zap.Logger) (Estimator, error) {
	switch name {
	case "", EstimatorHeuristic:
		return Heuristic{}, nil
	case EstimatorTiktoken:
		return NewTiktoken(encoding, logger), nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", name)
	}
}
