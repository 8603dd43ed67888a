package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settlement"
)

// ClearingHouse defines the methods that the market handler requires from the
// settlement engine. It is declared locally so tests can substitute a fake.
type ClearingHouse interface {
	Markets() []settlement.MarketSnapshot
	Market(name domain.AmmInstanceName) (settlement.MarketSnapshot, error)
	Position(name domain.AmmInstanceName, trader common.Address) (settlement.Position, error)
	Positions(name domain.AmmInstanceName) ([]settlement.Position, error)
	MarginRatio(name domain.AmmInstanceName, trader common.Address) (decimal.Signed, error)
	OpenPosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address, side settlement.Side, margin, leverage, baseLimit decimal.Decimal) (settlement.Position, error)
	ClosePosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address, quoteLimit decimal.Decimal) (decimal.Decimal, error)
	SettlePosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address) (decimal.Decimal, error)
	ShutdownMarket(ctx context.Context, name domain.AmmInstanceName) (decimal.Decimal, error)
}

// InsuranceFund shuts every market down once inflation crosses the
// threshold.
type InsuranceFund interface {
	ShutdownAllMarkets(ctx context.Context) ([]domain.AmmInstanceName, error)
}

// MarketHandler serves market, position and shutdown endpoints.
type MarketHandler struct {
	ch     ClearingHouse
	fund   InsuranceFund
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler. fund may be nil, in which case
// the shutdown-all endpoint answers 501.
func NewMarketHandler(ch ClearingHouse, fund InsuranceFund, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{ch: ch, fund: fund, logger: logHandler(logger, "markets")}
}

type listMarketsResponse struct {
	Markets []settlement.MarketSnapshot `json:"markets"`
	Total   int                         `json:"total"`
	Limit   int                         `json:"limit"`
	Offset  int                         `json:"offset"`
}

type openPositionRequest struct {
	Trader    string `json:"trader"`
	Side      string `json:"side"`
	Margin    string `json:"margin"`
	Leverage  string `json:"leverage"`
	BaseLimit string `json:"baseLimit,omitempty"`
}

type positionResponse struct {
	settlement.Position
	MarginRatio *decimal.Signed `json:"marginRatio,omitempty"`
}

// ListMarkets returns every market with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	all := h.ch.Markets()
	page := all[min(opts.Offset, len(all)):min(opts.Offset+opts.Limit, len(all))]
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: page,
		Total:   len(all),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns one market.
// GET /api/markets/{market}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ch.Market(domain.AmmInstanceName(pathParam(r, "market")))
	if err != nil {
		writeDomainError(w, h.logger, r, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Shutdown closes one market and fixes its settlement price.
// POST /api/markets/{market}/shutdown
func (h *MarketHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	name := domain.AmmInstanceName(pathParam(r, "market"))
	price, err := h.ch.ShutdownMarket(r.Context(), name)
	if err != nil {
		writeDomainError(w, h.logger, r, "shutdown market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":          string(name),
		"settlementPrice": price,
	})
}

// ShutdownAll asks the insurance fund to close every market. Below the mint
// threshold nothing is closed and the call still succeeds with
// {"shutdown": false, "markets": []}.
// POST /api/insurance-fund/shutdown
func (h *MarketHandler) ShutdownAll(w http.ResponseWriter, r *http.Request) {
	if h.fund == nil {
		writeError(w, http.StatusNotImplemented, "insurance fund is not configured")
		return
	}
	closed, err := h.fund.ShutdownAllMarkets(r.Context())
	if errors.Is(err, domain.ErrMintThresholdNotReached) {
		h.logger.InfoContext(r.Context(), "shutdown skipped", slog.String("reason", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{
			"shutdown": false,
			"markets":  []domain.AmmInstanceName{},
			"reason":   err.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, "shutdown all markets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shutdown": true, "markets": closed})
}

// ListPositions returns the open positions of a market.
// GET /api/markets/{market}/positions
func (h *MarketHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.ch.Positions(domain.AmmInstanceName(pathParam(r, "market")))
	if err != nil {
		writeDomainError(w, h.logger, r, "list positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition returns a trader's position and, while it is open, its margin
// ratio.
// GET /api/markets/{market}/positions/{trader}
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	name := domain.AmmInstanceName(pathParam(r, "market"))
	trader, err := addressParam(r, "trader")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.ch.Position(name, trader)
	if err != nil {
		writeDomainError(w, h.logger, r, "get position", err)
		return
	}
	resp := positionResponse{Position: pos}
	if !pos.Size.IsZero() {
		ratio, err := h.ch.MarginRatio(name, trader)
		if err != nil {
			writeDomainError(w, h.logger, r, "get margin ratio", err)
			return
		}
		resp.MarginRatio = &ratio
	}
	writeJSON(w, http.StatusOK, resp)
}

// OpenPosition opens or increases a position. The trader must sign the
// request.
// POST /api/markets/{market}/positions
func (h *MarketHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	name := domain.AmmInstanceName(pathParam(r, "market"))
	var req openPositionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trader, err := parseAddress(req.Trader, "trader")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireCaller(r, trader); err != nil {
		writeDomainError(w, h.logger, r, "open position", err)
		return
	}
	side, err := settlement.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	margin, err := parseAmount(req.Margin, "margin", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	leverage, err := parseAmount(req.Leverage, "leverage", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	baseLimit, err := parseAmount(req.BaseLimit, "baseLimit", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.ch.OpenPosition(r.Context(), name, trader, side, margin, leverage, baseLimit)
	if err != nil {
		writeDomainError(w, h.logger, r, "open position", err)
		return
	}
	h.logger.InfoContext(r.Context(), "position opened",
		slog.String("market", string(name)),
		slog.String("trader", trader.Hex()),
		slog.String("side", side.String()),
	)
	writeJSON(w, http.StatusCreated, positionResponse{Position: pos})
}

// ClosePosition closes a trader's whole position. The trader must sign the
// request.
// DELETE /api/markets/{market}/positions/{trader}?quoteLimit=…
func (h *MarketHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	name := domain.AmmInstanceName(pathParam(r, "market"))
	trader, err := addressParam(r, "trader")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireCaller(r, trader); err != nil {
		writeDomainError(w, h.logger, r, "close position", err)
		return
	}
	quoteLimit, err := parseAmount(r.URL.Query().Get("quoteLimit"), "quoteLimit", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paid, err := h.ch.ClosePosition(r.Context(), name, trader, quoteLimit)
	if err != nil {
		writeDomainError(w, h.logger, r, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": string(name),
		"trader": trader.Hex(),
		"paid":   paid,
	})
}

// SettlePosition pays out a position in a shut-down market. The trader must
// sign the request.
// POST /api/markets/{market}/positions/{trader}/settle
func (h *MarketHandler) SettlePosition(w http.ResponseWriter, r *http.Request) {
	name := domain.AmmInstanceName(pathParam(r, "market"))
	trader, err := addressParam(r, "trader")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireCaller(r, trader); err != nil {
		writeDomainError(w, h.logger, r, "settle position", err)
		return
	}
	moved, err := h.ch.SettlePosition(r.Context(), name, trader)
	if err != nil {
		writeDomainError(w, h.logger, r, "settle position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":           string(name),
		"trader":           trader.Hex(),
		"valueTransferred": moved,
	})
}
