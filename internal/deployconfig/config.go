// Package deployconfig holds the per-stage deployment parameters: confirmation
// depth, Chainlink feed addresses, clearing house ratios and the market table.
// Values live in versioned TOML files (one shared base plus one per stage)
// that are embedded in the binary and can be overridden from a directory.
package deployconfig

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// SupportedVersion is the only stage file format this build understands.
const SupportedVersion = 1

//go:embed stages/*.toml
var embedded embed.FS

// PriceFeedKey is the key a price feed is registered under.
type PriceFeedKey string

const (
	FeedBTC   PriceFeedKey = "BTC"
	FeedETH   PriceFeedKey = "ETH"
	FeedYFI   PriceFeedKey = "YFI"
	FeedDOT   PriceFeedKey = "DOT"
	FeedSDEFI PriceFeedKey = "sDEFI"
	FeedSNX   PriceFeedKey = "SNX"
)

// Bytes32 encodes the key the way contracts store it: left-aligned UTF-8,
// zero padded.
func (k PriceFeedKey) Bytes32() [32]byte {
	var out [32]byte
	copy(out[:], k)
	return out
}

// PriceFeedKeyFromBytes32 decodes a key returned by a contract.
func PriceFeedKeyFromBytes32(b [32]byte) PriceFeedKey {
	return PriceFeedKey(strings.TrimRight(string(b[:]), "\x00"))
}

// AmmDeployArgs are the constructor arguments of a market.
type AmmDeployArgs struct {
	QuoteAssetReserve decimal.Decimal `json:"quoteAssetReserve"`
	BaseAssetReserve  decimal.Decimal `json:"baseAssetReserve"`
	TradeLimitRatio   decimal.Decimal `json:"tradeLimitRatio"`
	FundingPeriod     time.Duration   `json:"fundingPeriod"`
	Fluctuation       decimal.Decimal `json:"fluctuation"`
	PriceFeedKey      PriceFeedKey    `json:"priceFeedKey"`
	TollRatio         decimal.Decimal `json:"tollRatio"`
	SpreadRatio       decimal.Decimal `json:"spreadRatio"`
}

// AmmProperties are caps applied after deployment.
type AmmProperties struct {
	MaxHoldingBaseAsset     decimal.Decimal `json:"maxHoldingBaseAsset"`
	OpenInterestNotionalCap decimal.Decimal `json:"openInterestNotionalCap"`
}

// AmmConfig describes one market.
type AmmConfig struct {
	Name       domain.AmmInstanceName `json:"name"`
	DeployArgs AmmDeployArgs          `json:"deployArgs"`
	Properties AmmProperties          `json:"properties"`
}

// AmmDefaults are the deploy arguments shared by every market unless a market
// overrides them.
type AmmDefaults struct {
	TradeLimitRatio decimal.Decimal
	FundingPeriod   time.Duration
	Fluctuation     decimal.Decimal
	TollRatio       decimal.Decimal
	SpreadRatio     decimal.Decimal
}

// DefaultAmmDefaults returns 90% trade limit, 1h funding, 1.2% fluctuation,
// no toll and 0.1% spread.
func DefaultAmmDefaults() AmmDefaults {
	return AmmDefaults{
		TradeLimitRatio: decimal.MustParse("0.9"),
		FundingPeriod:   time.Hour,
		Fluctuation:     decimal.MustParse("0.012"),
		TollRatio:       decimal.Zero(),
		SpreadRatio:     decimal.MustParse("0.001"),
	}
}

// MakeAmmConfig builds a market config from the defaults. The quote reserve
// is left at zero; the deployer derives it from the feed price.
func MakeAmmConfig(
	defaults AmmDefaults,
	name domain.AmmInstanceName,
	key PriceFeedKey,
	baseAssetReserve, maxHoldingBaseAsset, openInterestNotionalCap decimal.Decimal,
	overrides ...func(*AmmDeployArgs),
) AmmConfig {
	cfg := AmmConfig{
		Name: name,
		DeployArgs: AmmDeployArgs{
			BaseAssetReserve: baseAssetReserve,
			TradeLimitRatio:  defaults.TradeLimitRatio,
			FundingPeriod:    defaults.FundingPeriod,
			Fluctuation:      defaults.Fluctuation,
			PriceFeedKey:     key,
			TollRatio:        defaults.TollRatio,
			SpreadRatio:      defaults.SpreadRatio,
		},
		Properties: AmmProperties{
			MaxHoldingBaseAsset:     maxHoldingBaseAsset,
			OpenInterestNotionalCap: openInterestNotionalCap,
		},
	}
	for _, o := range overrides {
		o(&cfg.DeployArgs)
	}
	return cfg
}

// DeployConfig is the resolved configuration for one stage. It is a plain
// value; callers pass it where it is needed.
type DeployConfig struct {
	Version       int
	Stage         domain.Stage
	Confirmations uint64

	ChainlinkMap map[PriceFeedKey]common.Address

	InitMarginRequirement        decimal.Decimal
	MaintenanceMarginRequirement decimal.Decimal
	LiquidationFeeRatio          decimal.Decimal

	AmmDefaults        AmmDefaults
	LegacyAmmConfigMap map[domain.AmmInstanceName]AmmConfig

	KeeperRewardOnL1 decimal.Decimal
	KeeperRewardOnL2 decimal.Decimal

	DefaultPerpRewardVestingPeriod time.Duration

	MinDepositAmount    decimal.Decimal
	MinWithdrawalAmount decimal.Decimal
}

// AmmNames returns the configured markets sorted by name.
func (c *DeployConfig) AmmNames() []domain.AmmInstanceName {
	names := make([]domain.AmmInstanceName, 0, len(c.LegacyAmmConfigMap))
	for n := range c.LegacyAmmConfigMap {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ChainlinkAddress returns the feed address for key.
func (c *DeployConfig) ChainlinkAddress(key PriceFeedKey) (common.Address, error) {
	addr, ok := c.ChainlinkMap[key]
	if !ok {
		return common.Address{}, fmt.Errorf("deployconfig: chainlink feed %q on %s: %w", key, c.Stage, domain.ErrNotFound)
	}
	return addr, nil
}

// Load resolves the config for stage. When dir is non-empty, files found there
// replace the embedded ones of the same name.
func Load(stage domain.Stage, dir string) (*DeployConfig, error) {
	var fsys fs.FS = embeddedStages()
	if dir != "" {
		fsys = overlayFS{primary: os.DirFS(dir), fallback: fsys}
	}
	return LoadFS(fsys, stage)
}

func embeddedStages() fs.FS {
	sub, err := fs.Sub(embedded, "stages")
	if err != nil {
		panic(err)
	}
	return sub
}

// LoadFS resolves the config for stage from base.toml and <stage>.toml in fsys.
func LoadFS(fsys fs.FS, stage domain.Stage) (*DeployConfig, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("deployconfig: stage=%s: %w", stage, domain.ErrUnsupportedStage)
	}

	var raw fileConfig
	for _, name := range []string{"base.toml", string(stage) + ".toml"} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("deployconfig: read %s: %w", name, err)
		}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("deployconfig: decode %s: %w", name, err)
		}
	}
	if raw.Stage != "" && domain.Stage(raw.Stage) != stage {
		return nil, fmt.Errorf("deployconfig: %s.toml declares stage %q", stage, raw.Stage)
	}
	raw.Stage = string(stage)
	return raw.resolve()
}

// overlayFS reads from primary first and falls back when a file is missing.
type overlayFS struct {
	primary, fallback fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	f, err := o.primary.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return o.fallback.Open(path.Clean(name))
	}
	return f, err
}

type fileConfig struct {
	Version       int               `toml:"version"`
	Stage         string            `toml:"stage"`
	Confirmations uint64            `toml:"confirmations"`
	Chainlink     map[string]string `toml:"chainlink"`
	ClearingHouse struct {
		InitMarginRequirement        string `toml:"init_margin_requirement"`
		MaintenanceMarginRequirement string `toml:"maintenance_margin_requirement"`
		LiquidationFeeRatio          string `toml:"liquidation_fee_ratio"`
	} `toml:"clearing_house"`
	Keeper struct {
		RewardOnL1 string `toml:"reward_on_l1"`
		RewardOnL2 string `toml:"reward_on_l2"`
	} `toml:"keeper"`
	Vesting struct {
		DefaultPerpRewardVestingPeriod string `toml:"default_perp_reward_vesting_period"`
	} `toml:"vesting"`
	Bridge struct {
		MinDepositAmount    string `toml:"min_deposit_amount"`
		MinWithdrawalAmount string `toml:"min_withdrawal_amount"`
	} `toml:"bridge"`
	AmmDefaults struct {
		TradeLimitRatio string `toml:"trade_limit_ratio"`
		FundingPeriod   string `toml:"funding_period"`
		Fluctuation     string `toml:"fluctuation"`
		TollRatio       string `toml:"toll_ratio"`
		SpreadRatio     string `toml:"spread_ratio"`
	} `toml:"amm_defaults"`
	Amm []fileAmm `toml:"amm"`
}

type fileAmm struct {
	Name                    string `toml:"name"`
	PriceFeedKey            string `toml:"price_feed_key"`
	QuoteAssetReserve       string `toml:"quote_asset_reserve"`
	BaseAssetReserve        string `toml:"base_asset_reserve"`
	MaxHoldingBaseAsset     string `toml:"max_holding_base_asset"`
	OpenInterestNotionalCap string `toml:"open_interest_notional_cap"`
	SpreadRatio             string `toml:"spread_ratio"`
	TollRatio               string `toml:"toll_ratio"`
}

// resolve converts the string-typed file form into a DeployConfig, collecting
// every problem into a single error.
func (f *fileConfig) resolve() (*DeployConfig, error) {
	var errs []string
	num := func(field, v string) decimal.Decimal {
		if v == "" {
			return decimal.Zero()
		}
		d, err := decimal.Parse(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
		return d
	}
	dur := func(field, v string) time.Duration {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
		return d
	}

	if f.Version != SupportedVersion {
		errs = append(errs, fmt.Sprintf("version %d is not supported (want %d)", f.Version, SupportedVersion))
	}
	if f.Confirmations == 0 {
		errs = append(errs, "confirmations must be >= 1")
	}

	cfg := &DeployConfig{
		Version:                      f.Version,
		Stage:                        domain.Stage(f.Stage),
		Confirmations:                f.Confirmations,
		ChainlinkMap:                 make(map[PriceFeedKey]common.Address, len(f.Chainlink)),
		InitMarginRequirement:        num("clearing_house.init_margin_requirement", f.ClearingHouse.InitMarginRequirement),
		MaintenanceMarginRequirement: num("clearing_house.maintenance_margin_requirement", f.ClearingHouse.MaintenanceMarginRequirement),
		LiquidationFeeRatio:          num("clearing_house.liquidation_fee_ratio", f.ClearingHouse.LiquidationFeeRatio),
		AmmDefaults: AmmDefaults{
			TradeLimitRatio: num("amm_defaults.trade_limit_ratio", f.AmmDefaults.TradeLimitRatio),
			FundingPeriod:   dur("amm_defaults.funding_period", f.AmmDefaults.FundingPeriod),
			Fluctuation:     num("amm_defaults.fluctuation", f.AmmDefaults.Fluctuation),
			TollRatio:       num("amm_defaults.toll_ratio", f.AmmDefaults.TollRatio),
			SpreadRatio:     num("amm_defaults.spread_ratio", f.AmmDefaults.SpreadRatio),
		},
		LegacyAmmConfigMap:             make(map[domain.AmmInstanceName]AmmConfig, len(f.Amm)),
		KeeperRewardOnL1:               num("keeper.reward_on_l1", f.Keeper.RewardOnL1),
		KeeperRewardOnL2:               num("keeper.reward_on_l2", f.Keeper.RewardOnL2),
		DefaultPerpRewardVestingPeriod: dur("vesting.default_perp_reward_vesting_period", f.Vesting.DefaultPerpRewardVestingPeriod),
		MinDepositAmount:               num("bridge.min_deposit_amount", f.Bridge.MinDepositAmount),
		MinWithdrawalAmount:            num("bridge.min_withdrawal_amount", f.Bridge.MinWithdrawalAmount),
	}

	for key, addr := range f.Chainlink {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chainlink.%s: %q is not an address", key, addr))
			continue
		}
		cfg.ChainlinkMap[PriceFeedKey(key)] = common.HexToAddress(addr)
	}

	known := make(map[string]bool, len(domain.AmmInstanceNames))
	for _, n := range domain.AmmInstanceNames {
		known[string(n)] = true
	}
	for i, a := range f.Amm {
		field := fmt.Sprintf("amm[%d]", i)
		if !known[a.Name] {
			errs = append(errs, fmt.Sprintf("%s: unknown market %q", field, a.Name))
			continue
		}
		name := domain.AmmInstanceName(a.Name)
		amm := MakeAmmConfig(cfg.AmmDefaults, name, PriceFeedKey(a.PriceFeedKey),
			num(field+".base_asset_reserve", a.BaseAssetReserve),
			num(field+".max_holding_base_asset", a.MaxHoldingBaseAsset),
			num(field+".open_interest_notional_cap", a.OpenInterestNotionalCap),
			func(args *AmmDeployArgs) {
				args.QuoteAssetReserve = num(field+".quote_asset_reserve", a.QuoteAssetReserve)
				if a.SpreadRatio != "" {
					args.SpreadRatio = num(field+".spread_ratio", a.SpreadRatio)
				}
				if a.TollRatio != "" {
					args.TollRatio = num(field+".toll_ratio", a.TollRatio)
				}
			},
		)
		cfg.LegacyAmmConfigMap[name] = amm
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("deployconfig: %s: invalid config:\n  - %s", f.Stage, strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}
