package domain

import (
	"fmt"
	"time"
)

// ContractKind tags which family a ContractID belongs to.
type ContractKind string

const (
	KindContract ContractKind = "contract"
	KindAmm      ContractKind = "amm"
	KindInstance ContractKind = "instance"
)

// ContractName names a contract type in the registry.
type ContractName string

const (
	MetaTxGateway            ContractName = "MetaTxGateway"
	TetherToken              ContractName = "TetherToken"
	InsuranceFund            ContractName = "InsuranceFund"
	ChainlinkL1              ContractName = "ChainlinkL1"
	L2PriceFeed              ContractName = "L2PriceFeed"
	ClearingHouse            ContractName = "ClearingHouse"
	ClearingHouseViewer      ContractName = "ClearingHouseViewer"
	Amm                      ContractName = "Amm"
	AmmV1                    ContractName = "AmmV1"
	AmmReader                ContractName = "AmmReader"
	ClientBridge             ContractName = "ClientBridge"
	RootBridge               ContractName = "RootBridge"
	RootBridgeV2             ContractName = "RootBridgeV2"
	KeeperRewardL1           ContractName = "KeeperRewardL1"
	KeeperRewardL2           ContractName = "KeeperRewardL2"
	PerpRewardVesting        ContractName = "PerpRewardVesting"
	StakedPerpToken          ContractName = "StakedPerpToken"
	TollPool                 ContractName = "TollPool"
	FeeRewardPoolL1          ContractName = "FeeRewardPoolL1"
	FeeTokenPoolDispatcherL1 ContractName = "FeeTokenPoolDispatcherL1"
	ChainlinkPriceFeed       ContractName = "ChainlinkPriceFeed"
)

// ContractNames lists every ContractName in declaration order.
var ContractNames = []ContractName{
	MetaTxGateway, TetherToken, InsuranceFund, ChainlinkL1, L2PriceFeed,
	ClearingHouse, ClearingHouseViewer, Amm, AmmV1, AmmReader, ClientBridge,
	RootBridge, RootBridgeV2, KeeperRewardL1, KeeperRewardL2, PerpRewardVesting,
	StakedPerpToken, TollPool, FeeRewardPoolL1, FeeTokenPoolDispatcherL1,
	ChainlinkPriceFeed,
}

// AmmInstanceName names one deployed market.
type AmmInstanceName string

const (
	BTCUSDC   AmmInstanceName = "BTCUSDC"
	ETHUSDC   AmmInstanceName = "ETHUSDC"
	YFIUSDC   AmmInstanceName = "YFIUSDC"
	DOTUSDC   AmmInstanceName = "DOTUSDC"
	SNXUSDC   AmmInstanceName = "SNXUSDC"
	LINKUSDC  AmmInstanceName = "LINKUSDC"
	SDEFIUSDC AmmInstanceName = "SDEFIUSDC"
	TRXUSDC   AmmInstanceName = "TRXUSDC"
	SCEXUSDC  AmmInstanceName = "SCEXUSDC"
	AAVEUSDC  AmmInstanceName = "AAVEUSDC"
	SUSHIUSDC AmmInstanceName = "SUSHIUSDC"
	COMPUSDC  AmmInstanceName = "COMPUSDC"
	XAGUSDC   AmmInstanceName = "XAGUSDC"
	RENUSDC   AmmInstanceName = "RENUSDC"
	AUDUSDC   AmmInstanceName = "AUDUSDC"
	PERPUSDC  AmmInstanceName = "PERPUSDC"
	UNIUSDC   AmmInstanceName = "UNIUSDC"
	CRVUSDC   AmmInstanceName = "CRVUSDC"
	MKRUSDC   AmmInstanceName = "MKRUSDC"
	CREAMUSDC AmmInstanceName = "CREAMUSDC"
	GRTUSDC   AmmInstanceName = "GRTUSDC"
	ALPHAUSDC AmmInstanceName = "ALPHAUSDC"
	FTTUSDC   AmmInstanceName = "FTTUSDC"
)

// AmmInstanceNames lists every market in declaration order.
var AmmInstanceNames = []AmmInstanceName{
	BTCUSDC, ETHUSDC, YFIUSDC, DOTUSDC, SNXUSDC, LINKUSDC, SDEFIUSDC, TRXUSDC,
	SCEXUSDC, AAVEUSDC, SUSHIUSDC, COMPUSDC, XAGUSDC, RENUSDC, AUDUSDC, PERPUSDC,
	UNIUSDC, CRVUSDC, MKRUSDC, CREAMUSDC, GRTUSDC, ALPHAUSDC, FTTUSDC,
}

// ContractInstanceName names a second deployment of an existing contract type.
type ContractInstanceName string

const (
	PerpRewardNoVesting             ContractInstanceName = "PerpRewardNoVesting"
	PerpRewardTwentySixWeeksVesting ContractInstanceName = "PerpRewardTwentySixWeeksVesting"
	PerpStakingRewardVesting        ContractInstanceName = "PerpStakingRewardVesting"
	PerpStakingRewardNoVesting      ContractInstanceName = "PerpStakingRewardNoVesting"
)

// ContractInstanceNames lists every named instance.
var ContractInstanceNames = []ContractInstanceName{
	PerpRewardNoVesting, PerpRewardTwentySixWeeksVesting,
	PerpStakingRewardVesting, PerpStakingRewardNoVesting,
}

// ContractID identifies an entry in the settings registry. Exactly one of the
// three name families is meant by Name, selected by Kind.
type ContractID struct {
	Kind ContractKind `json:"kind" toml:"kind"`
	Name string       `json:"name" toml:"name"`
}

// ContractIDOf returns the ID for a contract type.
func ContractIDOf(n ContractName) ContractID { return ContractID{Kind: KindContract, Name: string(n)} }

// AmmID returns the ID for a market.
func AmmID(n AmmInstanceName) ContractID { return ContractID{Kind: KindAmm, Name: string(n)} }

// InstanceID returns the ID for a named instance.
func InstanceID(n ContractInstanceName) ContractID {
	return ContractID{Kind: KindInstance, Name: string(n)}
}

func (id ContractID) String() string { return id.Name }

var contractIDIndex = func() map[string]ContractID {
	idx := make(map[string]ContractID, len(ContractNames)+len(AmmInstanceNames)+len(ContractInstanceNames))
	for _, n := range ContractNames {
		idx[string(n)] = ContractIDOf(n)
	}
	for _, n := range AmmInstanceNames {
		idx[string(n)] = AmmID(n)
	}
	for _, n := range ContractInstanceNames {
		idx[string(n)] = InstanceID(n)
	}
	return idx
}()

// ParseContractID resolves a bare registry key such as "ClearingHouse",
// "ETHUSDC" or "PerpRewardNoVesting".
func ParseContractID(name string) (ContractID, error) {
	id, ok := contractIDIndex[name]
	if !ok {
		return ContractID{}, fmt.Errorf("contract id %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// IsContractID reports whether name is a known registry key.
func IsContractID(name string) bool {
	_, ok := contractIDIndex[name]
	return ok
}

// Layer is the chain a contract lives on.
type Layer string

const (
	Layer1 Layer = "layer1"
	Layer2 Layer = "layer2"
)

// Stage is a deployment environment.
type Stage string

const (
	StageProduction Stage = "production"
	StageStaging    Stage = "staging"
	StageTest       Stage = "test"
)

// Valid reports whether s is one of the supported stages.
func (s Stage) Valid() bool {
	switch s {
	case StageProduction, StageStaging, StageTest:
		return true
	}
	return false
}

// ContractRecord is what the settings registry stores for a deployed contract.
type ContractRecord struct {
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Implementation string    `json:"implementation,omitempty"`
	FullyQualified string    `json:"fullyQualifiedName,omitempty"`
	DeployedAt     time.Time `json:"deployedAt,omitempty"`
}
