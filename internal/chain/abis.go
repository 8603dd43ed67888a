package chain

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABIs for the read paths and keeper calls, so the relay and the
// health check run without a Hardhat artifacts directory. Perp contracts
// return amounts as Decimal.decimal, a one-field tuple {uint256 d}.

const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const aggregatorABIJSON = `[
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
 {"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},
 {"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}
]`

const priceFeedABIJSON = `[
{"type":"function","name":"getPrice","stateMutability":"view","inputs":[{"name":"_priceFeedKey","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"setLatestData","stateMutability":"nonpayable","inputs":[
 {"name":"_priceFeedKey","type":"bytes32"},{"name":"_price","type":"uint256"},
 {"name":"_timestamp","type":"uint256"},{"name":"_roundId","type":"uint256"}],"outputs":[]}
]`

const clearingHouseABIJSON = `[
{"type":"function","name":"payFunding","stateMutability":"nonpayable","inputs":[{"name":"_amm","type":"address"}],"outputs":[]},
{"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[{"name":"_amm","type":"address"},{"name":"_trader","type":"address"}],"outputs":[]},
{"type":"function","name":"openInterestNotionalMap","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"d","type":"uint256"}]},
{"type":"function","name":"retrieveUndercollateralizedPositions","stateMutability":"view","inputs":[],"outputs":[
 {"name":"","type":"tuple[]","components":[{"name":"amm","type":"address"},{"name":"trader","type":"address"}]}]}
]`

const ammABIJSON = `[
{"type":"function","name":"priceFeedKey","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"priceFeed","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"nextFundingTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"open","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getOpenInterestNotionalCap","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple","components":[{"name":"d","type":"uint256"}]}]},
{"type":"function","name":"getMaxHoldingBaseAsset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple","components":[{"name":"d","type":"uint256"}]}]},
{"type":"function","name":"getReserve","stateMutability":"view","inputs":[],"outputs":[
 {"name":"","type":"tuple","components":[{"name":"d","type":"uint256"}]},
 {"name":"","type":"tuple","components":[{"name":"d","type":"uint256"}]}]}
]`

const insuranceFundABIJSON = `[
{"type":"function","name":"getAllAmms","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]}
]`

var (
	erc20ABI         = mustABI(erc20ABIJSON)
	aggregatorABI    = mustABI(aggregatorABIJSON)
	priceFeedABI     = mustABI(priceFeedABIJSON)
	clearingHouseABI = mustABI(clearingHouseABIJSON)
	ammABI           = mustABI(ammABIJSON)
	insuranceFundABI = mustABI(insuranceFundABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// bigOut extracts a uint output that is either a bare integer or a
// Decimal.decimal tuple.
func bigOut(out []any, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("chain: output %d missing", i)
	}
	if b, ok := out[i].(*big.Int); ok {
		return b, nil
	}
	v := reflect.ValueOf(out[i])
	if v.Kind() == reflect.Struct {
		if f := v.FieldByName("D"); f.IsValid() {
			if b, ok := f.Interface().(*big.Int); ok {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("chain: output %d is %T, want uint256", i, out[i])
}

// addressPairs reads a tuple(address a, address b)[] output.
func addressPairs(out any, first, second string) ([][2]common.Address, error) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("chain: output is %T, want tuple[]", out)
	}
	pairs := make([][2]common.Address, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		a, okA := addressField(v.Index(i), first)
		b, okB := addressField(v.Index(i), second)
		if !okA || !okB {
			return nil, fmt.Errorf("chain: tuple %d lacks %s/%s addresses", i, first, second)
		}
		pairs = append(pairs, [2]common.Address{a, b})
	}
	return pairs, nil
}

func addressField(v reflect.Value, name string) (common.Address, bool) {
	if v.Kind() != reflect.Struct {
		return common.Address{}, false
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return common.Address{}, false
	}
	a, ok := f.Interface().(common.Address)
	return a, ok
}
