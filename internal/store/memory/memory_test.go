package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

func TestRewardStateStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewRewardStateStore()

	_, err := s.Load(ctx, "fee")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st := domain.NewRewardPoolState("fee")
	alice := common.HexToAddress("0xa1")
	st.Rewards[alice] = decimal.New(1)
	require.NoError(t, s.Save(ctx, st))

	st.Rewards[alice] = decimal.New(2)
	got, err := s.Load(ctx, "fee")
	require.NoError(t, err)
	assert.True(t, got.Rewards[alice].Equal(decimal.New(1)))
}

func TestCheckpointStoreListByStage(t *testing.T) {
	ctx := context.Background()
	s := NewCheckpointStore()
	require.NoError(t, s.Save(ctx, domain.MigrationCheckpoint{Stage: domain.StageTest, MigrationID: "0012"}))
	require.NoError(t, s.Save(ctx, domain.MigrationCheckpoint{Stage: domain.StageTest, MigrationID: "0011"}))
	require.NoError(t, s.Save(ctx, domain.MigrationCheckpoint{Stage: domain.StageStaging, MigrationID: "0011"}))

	list, err := s.List(ctx, domain.StageTest)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0011", list[0].MigrationID)
	assert.False(t, list[0].UpdatedAt.IsZero())

	_, err = s.Get(ctx, domain.StageProduction, "0011")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStorePaging(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	for _, ev := range []string{"a", "b", "c"} {
		require.NoError(t, s.Log(ctx, ev, nil))
	}
	got, err := s.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Event)
	assert.Equal(t, "a", got[1].Event)

	got, err = s.List(ctx, domain.ListOpts{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLockManagerExcludesUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := NewLockManager()

	unlock, err := l.Acquire(ctx, "migration:test", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "migration:test", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "migration:test", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManagerLeaseExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLockManager()
	now := time.Unix(1_700_000_000, 0)
	l.clock = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "relay:funding", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "relay:funding", time.Second)
	require.NoError(t, err)

	// The expired holder must not release the new lease.
	stale()
	_, err = l.Acquire(ctx, "relay:funding", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	fresh()
}

func TestPriceCache(t *testing.T) {
	ctx := context.Background()
	c := NewPriceCache()
	_, _, err := c.GetPrice(ctx, "ETH")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	at := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, c.SetPrice(ctx, "ETH", decimal.MustParse("1800.5"), at))
	p, ts, err := c.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.MustParse("1800.5")))
	assert.Equal(t, at, ts)
}

func TestEventBusDeliversToMatchingSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewEventBus()

	exact, err := bus.Subscribe(ctx, domain.ChannelRewards)
	require.NoError(t, err)
	wild, err := bus.Subscribe(ctx, "ch:*")
	require.NoError(t, err)

	ev := domain.Event{Type: domain.EventRewardTransferred, Source: "test"}
	require.NoError(t, bus.PublishEvent(ctx, domain.ChannelRewards, ev))
	require.NoError(t, bus.PublishEvent(ctx, domain.ChannelSettlement, domain.Event{Type: domain.EventShutdown}))

	assert.Contains(t, string(<-exact), `"RewardTransferred"`)
	assert.Contains(t, string(<-wild), `"RewardTransferred"`)
	assert.Contains(t, string(<-wild), `"Shutdown"`)
	assert.Empty(t, exact)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-exact
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestEventBusRejectsBadPattern(t *testing.T) {
	_, err := NewEventBus().Subscribe(context.Background(), "ch:[")
	require.Error(t, err)
}

func TestEventBusKeepsHistory(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	for _, typ := range []domain.EventType{domain.EventPositionChanged, domain.EventFundingPaid, domain.EventShutdown} {
		require.NoError(t, bus.PublishEvent(ctx, domain.ChannelSettlement, domain.Event{Type: typ}))
	}
	require.NoError(t, bus.PublishEvent(ctx, domain.ChannelRewards, domain.Event{Type: domain.EventRewardTransferred}))

	all, err := bus.StreamRead(ctx, domain.ChannelSettlement, "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := bus.StreamRead(ctx, domain.ChannelSettlement, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1], page[0])
	assert.Contains(t, string(page[0].Payload), `"FundingPaid"`)

	_, err = bus.StreamRead(ctx, domain.ChannelSettlement, "1-0", 1)
	require.Error(t, err)
}
