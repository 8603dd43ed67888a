package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// ConfigLoader resolves the deploy config of a stage.
type ConfigLoader func(stage domain.Stage) (*deployconfig.DeployConfig, error)

// ConfigHandler serves the resolved deploy config of any stage.
type ConfigHandler struct {
	load   ConfigLoader
	logger *slog.Logger
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(load ConfigLoader, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{load: load, logger: logHandler(logger, "config")}
}

type configResponse struct {
	Stage                          domain.Stage             `json:"stage"`
	Version                        int                      `json:"version"`
	Confirmations                  uint64                   `json:"confirmations"`
	ChainlinkMap                   map[string]string        `json:"chainlinkMap"`
	InitMarginRequirement          decimal.Decimal          `json:"initMarginRequirement"`
	MaintenanceMarginRequirement   decimal.Decimal          `json:"maintenanceMarginRequirement"`
	LiquidationFeeRatio            decimal.Decimal          `json:"liquidationFeeRatio"`
	Amms                           []deployconfig.AmmConfig `json:"amms"`
	KeeperRewardOnL1               decimal.Decimal          `json:"keeperRewardOnL1"`
	KeeperRewardOnL2               decimal.Decimal          `json:"keeperRewardOnL2"`
	DefaultPerpRewardVestingPeriod int64                    `json:"defaultPerpRewardVestingPeriod"`
	MinDepositAmount               decimal.Decimal          `json:"minDepositAmount"`
	MinWithdrawalAmount            decimal.Decimal          `json:"minWithdrawalAmount"`
}

// GetConfig returns the deploy config of a stage.
// GET /api/config/{stage}
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.load(domain.Stage(pathParam(r, "stage")))
	if err != nil {
		writeDomainError(w, h.logger, r, "load config", err)
		return
	}
	feeds := make(map[string]string, len(cfg.ChainlinkMap))
	for k, a := range cfg.ChainlinkMap {
		feeds[string(k)] = a.Hex()
	}
	amms := make([]deployconfig.AmmConfig, 0, len(cfg.LegacyAmmConfigMap))
	for _, name := range cfg.AmmNames() {
		amms = append(amms, cfg.LegacyAmmConfigMap[name])
	}
	writeJSON(w, http.StatusOK, configResponse{
		Stage:                          cfg.Stage,
		Version:                        cfg.Version,
		Confirmations:                  cfg.Confirmations,
		ChainlinkMap:                   feeds,
		InitMarginRequirement:          cfg.InitMarginRequirement,
		MaintenanceMarginRequirement:   cfg.MaintenanceMarginRequirement,
		LiquidationFeeRatio:            cfg.LiquidationFeeRatio,
		Amms:                           amms,
		KeeperRewardOnL1:               cfg.KeeperRewardOnL1,
		KeeperRewardOnL2:               cfg.KeeperRewardOnL2,
		DefaultPerpRewardVestingPeriod: int64(cfg.DefaultPerpRewardVestingPeriod.Seconds()),
		MinDepositAmount:               cfg.MinDepositAmount,
		MinWithdrawalAmount:            cfg.MinWithdrawalAmount,
	})
}
