package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// Typed oracle failures. Sizing math must never see a default or zero
// price; every failed read surfaces as one of these.
var (
	ErrFeedNotConfigured   = errors.New("no price feed configured for token")
	ErrInvalidPrice        = errors.New("feed returned non-positive price")
	ErrStalePrice          = errors.New("feed last update exceeds max age")
	ErrIncompleteRound     = errors.New("feed round is incomplete")
	ErrSequencerDown       = errors.New("sequencer is down")
	ErrGracePeriodActive   = errors.New("sequencer grace period active")
	ErrNotOwner            = errors.New("caller is not the registry owner")
	ErrZeroAddress         = errors.New("zero address")
	ErrBatchTooLarge       = errors.New("feed batch exceeds maximum size")
	ErrBatchLengthMismatch = errors.New("feed batch length mismatch")
)

// MaxBatchSize bounds batched feed registration so a single admin call
// cannot grow unboundedly expensive.
const MaxBatchSize = 64

// RoundData is one observation from a price feed. StartedAt is when
// the round (for uptime feeds: the current status period) began.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Feed is a single token price feed.
type Feed interface {
	LatestRoundData(ctx context.Context) (*RoundData, error)
	Decimals(ctx context.Context) (uint8, error)
}

// SequencerFeed reports the execution layer's sequencer status for
// deployments behind a sequencer. A nil SequencerFeed disables the
// check entirely.
type SequencerFeed interface {
	// Status returns whether the sequencer is up and when the current
	// status period started.
	Status(ctx context.Context) (up bool, since time.Time, err error)
}

// PriceQuote is a validated unit price, normalized to WAD.
type PriceQuote struct {
	Token     common.Address
	Price     *big.Int
	UpdatedAt time.Time
}

type feedEntry struct {
	feed   Feed
	maxAge time.Duration
}

// Registry maps tokens to price feeds and validates every read:
// positivity, round completeness, per-feed staleness and sequencer
// liveness. Feed registration is owner-gated.
type Registry struct {
	mu          sync.RWMutex
	owner       common.Address
	feeds       map[common.Address]feedEntry
	sequencer   SequencerFeed
	gracePeriod time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewRegistry creates a feed registry owned by owner.
func NewRegistry(owner common.Address, sequencer SequencerFeed, gracePeriod time.Duration, logger *zap.Logger) (*Registry, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Registry{
		owner:       owner,
		feeds:       make(map[common.Address]feedEntry),
		sequencer:   sequencer,
		gracePeriod: gracePeriod,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetFeed registers or replaces the feed for a token. Owner only.
func (r *Registry) SetFeed(caller, token common.Address, feed Feed, maxAge time.Duration) error {
	if token == (common.Address{}) {
		return ErrZeroAddress
	}
	if feed == nil {
		return fmt.Errorf("feed cannot be nil")
	}
	if maxAge <= 0 {
		return fmt.Errorf("max age must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrNotOwner
	}
	r.feeds[token] = feedEntry{feed: feed, maxAge: maxAge}
	r.logger.Info("Price feed registered",
		zap.String("token", token.Hex()),
		zap.Duration("max_age", maxAge))
	return nil
}

// SetFeeds registers feeds in bulk, bounded by MaxBatchSize.
func (r *Registry) SetFeeds(caller common.Address, tokens []common.Address, feeds []Feed, maxAges []time.Duration) error {
	if len(tokens) != len(feeds) || len(tokens) != len(maxAges) {
		return ErrBatchLengthMismatch
	}
	if len(tokens) > MaxBatchSize {
		return ErrBatchTooLarge
	}
	for i := range tokens {
		if err := r.SetFeed(caller, tokens[i], feeds[i], maxAges[i]); err != nil {
			return fmt.Errorf("feed %d: %w", i, err)
		}
	}
	return nil
}

// GetPrice returns a validated WAD-normalized unit price for token.
func (r *Registry) GetPrice(ctx context.Context, token common.Address) (*PriceQuote, error) {
	r.mu.RLock()
	entry, ok := r.feeds[token]
	sequencer := r.sequencer
	grace := r.gracePeriod
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), ErrFeedNotConfigured)
	}

	if sequencer != nil {
		up, since, err := sequencer.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("sequencer status: %w", err)
		}
		if !up {
			return nil, ErrSequencerDown
		}
		if r.now().Sub(since) < grace {
			return nil, ErrGracePeriodActive
		}
	}

	round, err := entry.feed.LatestRoundData(ctx)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	if round.UpdatedAt.IsZero() || round.AnsweredInRound == nil ||
		round.RoundID == nil || round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), ErrIncompleteRound)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), ErrInvalidPrice)
	}
	if age := r.now().Sub(round.UpdatedAt); age > entry.maxAge {
		return nil, fmt.Errorf("token %s: age %s: %w", token.Hex(), age, ErrStalePrice)
	}

	decimals, err := entry.feed.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("token %s decimals: %w", token.Hex(), err)
	}

	return &PriceQuote{
		Token:     token,
		Price:     levmath.ScaleDecimals(round.Answer, decimals, 18),
		UpdatedAt: round.UpdatedAt,
	}, nil
}
