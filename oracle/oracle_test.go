package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// mockFeed implements Feed with canned round data
type mockFeed struct {
	round    *RoundData
	decimals uint8
	roundErr error
}

func (m *mockFeed) LatestRoundData(ctx context.Context) (*RoundData, error) {
	if m.roundErr != nil {
		return nil, m.roundErr
	}
	return m.round, nil
}

func (m *mockFeed) Decimals(ctx context.Context) (uint8, error) {
	return m.decimals, nil
}

// mockSequencer implements SequencerFeed
type mockSequencer struct {
	up    bool
	since time.Time
	err   error
}

func (m *mockSequencer) Status(ctx context.Context) (bool, time.Time, error) {
	return m.up, m.since, m.err
}

var (
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// goodFeed returns a healthy 8-decimal feed priced at 2500 updated at ts.
func goodFeed(ts time.Time) *mockFeed {
	return &mockFeed{
		round: &RoundData{
			RoundID:         big.NewInt(100),
			Answer:          big.NewInt(2500_00000000),
			UpdatedAt:       ts,
			AnsweredInRound: big.NewInt(100),
		},
		decimals: 8,
	}
}

func newTestRegistry(t *testing.T, sequencer SequencerFeed, grace time.Duration) *Registry {
	t.Helper()
	r, err := NewRegistry(testOwner, sequencer, grace, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestRegistryConstruction(t *testing.T) {
	_, err := NewRegistry(common.Address{}, nil, 0, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = NewRegistry(testOwner, nil, 0, nil)
	assert.Error(t, err)
}

func TestSetFeed(t *testing.T) {
	r := newTestRegistry(t, nil, 0)
	feed := goodFeed(time.Now())

	t.Run("OwnerOnly", func(t *testing.T) {
		stranger := common.HexToAddress("0x00000000000000000000000000000000000000cc")
		err := r.SetFeed(stranger, testToken, feed, time.Hour)
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("Validation", func(t *testing.T) {
		assert.ErrorIs(t, r.SetFeed(testOwner, common.Address{}, feed, time.Hour), ErrZeroAddress)
		assert.Error(t, r.SetFeed(testOwner, testToken, nil, time.Hour))
		assert.Error(t, r.SetFeed(testOwner, testToken, feed, 0))
	})

	t.Run("RegisterAndReplace", func(t *testing.T) {
		require.NoError(t, r.SetFeed(testOwner, testToken, feed, time.Hour))
		// Replacing is allowed
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(time.Now()), time.Hour))
	})
}

func TestSetFeeds(t *testing.T) {
	r := newTestRegistry(t, nil, 0)

	t.Run("LengthMismatch", func(t *testing.T) {
		err := r.SetFeeds(testOwner,
			[]common.Address{testToken},
			[]Feed{goodFeed(time.Now()), goodFeed(time.Now())},
			[]time.Duration{time.Hour})
		assert.ErrorIs(t, err, ErrBatchLengthMismatch)
	})

	t.Run("TooLarge", func(t *testing.T) {
		n := MaxBatchSize + 1
		tokens := make([]common.Address, n)
		feeds := make([]Feed, n)
		ages := make([]time.Duration, n)
		for i := range tokens {
			tokens[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
			feeds[i] = goodFeed(time.Now())
			ages[i] = time.Hour
		}
		err := r.SetFeeds(testOwner, tokens, feeds, ages)
		assert.ErrorIs(t, err, ErrBatchTooLarge)
	})

	t.Run("Batch", func(t *testing.T) {
		tokens := []common.Address{
			common.BigToAddress(big.NewInt(1)),
			common.BigToAddress(big.NewInt(2)),
		}
		feeds := []Feed{goodFeed(time.Now()), goodFeed(time.Now())}
		ages := []time.Duration{time.Hour, time.Hour}
		require.NoError(t, r.SetFeeds(testOwner, tokens, feeds, ages))

		_, err := r.GetPrice(context.Background(), tokens[1])
		assert.NoError(t, err)
	})
}

func TestGetPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("NotConfigured", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)
		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrFeedNotConfigured)
	})

	t.Run("NormalizesToWad", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(time.Now()), time.Hour))

		quote, err := r.GetPrice(ctx, testToken)
		require.NoError(t, err)
		// 2500 with 8 feed decimals becomes 2500e18
		want := new(big.Int).Mul(big.NewInt(2500), levmath.Wad)
		assert.Zero(t, quote.Price.Cmp(want))
		assert.Equal(t, testToken, quote.Token)
	})

	t.Run("NonPositiveAnswer", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)
		feed := goodFeed(time.Now())
		feed.round.Answer = big.NewInt(0)
		require.NoError(t, r.SetFeed(testOwner, testToken, feed, time.Hour))

		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrInvalidPrice)

		feed.round.Answer = big.NewInt(-1)
		_, err = r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("Stale", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)
		base := time.Now()
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(base), time.Hour))

		r.now = func() time.Time { return base.Add(time.Hour + time.Second) }
		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrStalePrice)

		// Exactly at max age is still fresh
		r.now = func() time.Time { return base.Add(time.Hour) }
		_, err = r.GetPrice(ctx, testToken)
		assert.NoError(t, err)
	})

	t.Run("IncompleteRound", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)

		feed := goodFeed(time.Now())
		feed.round.AnsweredInRound = big.NewInt(99) // behind RoundID 100
		require.NoError(t, r.SetFeed(testOwner, testToken, feed, time.Hour))
		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrIncompleteRound)

		feed = goodFeed(time.Time{}) // zero UpdatedAt
		require.NoError(t, r.SetFeed(testOwner, testToken, feed, time.Hour))
		_, err = r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrIncompleteRound)
	})

	t.Run("FeedError", func(t *testing.T) {
		r := newTestRegistry(t, nil, 0)
		feedErr := errors.New("rpc timeout")
		require.NoError(t, r.SetFeed(testOwner, testToken, &mockFeed{roundErr: feedErr}, time.Hour))

		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, feedErr)
	})
}

func TestSequencerChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("Down", func(t *testing.T) {
		r := newTestRegistry(t, &mockSequencer{up: false}, time.Hour)
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(time.Now()), time.Hour))

		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrSequencerDown)
	})

	t.Run("GracePeriod", func(t *testing.T) {
		base := time.Now()
		seq := &mockSequencer{up: true, since: base}
		r := newTestRegistry(t, seq, time.Hour)
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(base), 24*time.Hour))

		// Sequencer came back 30 minutes ago, grace is one hour
		r.now = func() time.Time { return base.Add(30 * time.Minute) }
		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, ErrGracePeriodActive)

		// Past the grace window prices flow again
		r.now = func() time.Time { return base.Add(2 * time.Hour) }
		_, err = r.GetPrice(ctx, testToken)
		assert.NoError(t, err)
	})

	t.Run("StatusError", func(t *testing.T) {
		seqErr := errors.New("sequencer feed unreachable")
		r := newTestRegistry(t, &mockSequencer{err: seqErr}, time.Hour)
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(time.Now()), time.Hour))

		_, err := r.GetPrice(ctx, testToken)
		assert.ErrorIs(t, err, seqErr)
	})

	t.Run("NilSequencerSkipsCheck", func(t *testing.T) {
		r := newTestRegistry(t, nil, time.Hour)
		require.NoError(t, r.SetFeed(testOwner, testToken, goodFeed(time.Now()), time.Hour))

		_, err := r.GetPrice(ctx, testToken)
		assert.NoError(t, err)
	})
}
