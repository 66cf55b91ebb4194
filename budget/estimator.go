package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the tiktoken encoding used for estimates.
const DefaultEncoding = "cl100k_base"

// Estimator counts prompt tokens with tiktoken. When the encoding cannot
// be loaded (it is fetched on first use) it falls back to one token per
// four bytes.
type Estimator struct {
	encoding string
	load     func(encoding string) (*tiktoken.Tiktoken, error)
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates an estimator for the given encoding ("" means
// DefaultEncoding).
func NewEstimator(encoding string, logger *zap.Logger) *Estimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		encoding: encoding,
		load:     tiktoken.GetEncoding,
		logger:   logger.With(zap.String("component", "estimator")),
	}
}

// init lazily 初始化 tiktoken 编码
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := e.load(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			e.logger.Warn("tiktoken unavailable, using heuristic estimate", zap.Error(e.initErr))
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// EstimateTokens returns the token count of text.
func (e *Estimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		return heuristicTokens(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Name describes the active counting method.
func (e *Estimator) Name() string {
	if e.init() != nil {
		return "heuristic"
	}
	return fmt.Sprintf("tiktoken[%s]", e.encoding)
}

func heuristicTokens(text string) int {
	return (len(text) + 3) / 4
}
