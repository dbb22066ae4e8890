package budget

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is used when no tiktoken encoding is configured.
const DefaultEncoding = "cl100k_base"

// Tiktoken counts tokens with a real BPE encoding. The encoding is loaded on
// first use; if it cannot be loaded every count falls back to Heuristic.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktoken returns a lazily initialised tiktoken estimator.
func NewTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken encoding unavailable, falling back to heuristic",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
}

// Ready loads the encoding and reports whether exact counting is available.
func (t *Tiktoken) Ready() bool {
	t.init()
	return t.enc != nil
}

// CountText implements Estimator.
func (t *Tiktoken) CountText(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.enc == nil {
		return Heuristic{}.CountText(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Name implements Estimator.
func (t *Tiktoken) Name() string { return "tiktoken:" + t.encoding }
