package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// ChainlinkSource reads prices from Chainlink aggregators, one per feed key,
// and scales them to 18 decimals.
type ChainlinkSource struct {
	c     *Client
	feeds map[deployconfig.PriceFeedKey]common.Address
}

// NewChainlinkSource reads the aggregators in feeds through c.
func NewChainlinkSource(c *Client, feeds map[deployconfig.PriceFeedKey]common.Address) *ChainlinkSource {
	return &ChainlinkSource{c: c, feeds: feeds}
}

// Price returns the latest answer of the aggregator registered for key.
func (s *ChainlinkSource) Price(ctx context.Context, key string) (decimal.Decimal, error) {
	addr, ok := s.feeds[deployconfig.PriceFeedKey(key)]
	if !ok {
		return decimal.Zero(), fmt.Errorf("chain: chainlink feed %q: %w", key, domain.ErrNotFound)
	}
	out, err := s.c.Call(ctx, addr, aggregatorABI, "decimals")
	if err != nil {
		return decimal.Zero(), err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return decimal.Zero(), fmt.Errorf("chain: decimals of %s is %T", addr, out[0])
	}
	round, err := s.c.Call(ctx, addr, aggregatorABI, "latestRoundData")
	if err != nil {
		return decimal.Zero(), err
	}
	answer, err := bigOut(round, 1)
	if err != nil {
		return decimal.Zero(), err
	}
	if answer.Sign() <= 0 {
		return decimal.Zero(), fmt.Errorf("chain: chainlink %s answered %s", key, answer)
	}
	return decimal.FromUnits(answer, decimals)
}

// L2PriceFeed is the on-chain price feed markets read from. The relay writes
// to it and the AMM deployment reads the initial price from it.
type L2PriceFeed struct {
	c    *Client
	addr common.Address
}

// NewL2PriceFeed binds addr.
func NewL2PriceFeed(c *Client, addr common.Address) *L2PriceFeed {
	return &L2PriceFeed{c: c, addr: addr}
}

// Address returns the feed address.
func (f *L2PriceFeed) Address() common.Address { return f.addr }

// Price implements domain.PriceSource.
func (f *L2PriceFeed) Price(ctx context.Context, key string) (decimal.Decimal, error) {
	return f.c.FeedPrice(ctx, f.addr, deployconfig.PriceFeedKey(key))
}

// SetLatestData pushes price for key, using the unix timestamp as round id.
func (f *L2PriceFeed) SetLatestData(ctx context.Context, key string, price decimal.Decimal, at time.Time) error {
	ts := big.NewInt(at.Unix())
	_, err := f.c.TransactMethod(ctx, f.addr, priceFeedABI, "setLatestData",
		deployconfig.PriceFeedKey(key).Bytes32(), price.Big(), ts, ts)
	return err
}

// FeedPrice calls getPrice(key) on any IPriceFeed.
func (c *Client) FeedPrice(ctx context.Context, feed common.Address, key deployconfig.PriceFeedKey) (decimal.Decimal, error) {
	out, err := c.Call(ctx, feed, priceFeedABI, "getPrice", key.Bytes32())
	if err != nil {
		return decimal.Zero(), fmt.Errorf("chain: wrong price feed address or key %q: %w", key, err)
	}
	raw, err := bigOut(out, 0)
	if err != nil {
		return decimal.Zero(), err
	}
	return decimal.FromBig(raw)
}

var (
	_ domain.PriceSource = (*ChainlinkSource)(nil)
	_ domain.PriceSource = (*L2PriceFeed)(nil)
)
