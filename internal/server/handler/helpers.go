package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/crypto"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps engine errors onto HTTP statuses. The engine's own
// message is returned so callers see the same revert reason the contracts
// give.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	logger.InfoContext(r.Context(), "handler: "+op+" rejected", slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrZeroAmount), errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnsupportedStage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoReward), errors.Is(err, domain.ErrMarketClosed),
		errors.Is(err, domain.ErrMarketStillOpen), errors.Is(err, domain.ErrNothingToSettle),
		errors.Is(err, domain.ErrReversePosition), errors.Is(err, domain.ErrSlippage),
		errors.Is(err, domain.ErrOverTradeLimit), errors.Is(err, domain.ErrMarginRatio),
		errors.Is(err, domain.ErrFundingTooEarly), errors.Is(err, domain.ErrMintThresholdNotReached),
		errors.Is(err, domain.ErrInsufficientPoolBalance), errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// addressParam parses a hex address path parameter.
func addressParam(r *http.Request, name string) (common.Address, error) {
	return parseAddress(pathParam(r, name), name)
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

// requireCaller checks that account signed the request. The signer is
// recovered from the wallet signature headers by middleware.Wallet.
func requireCaller(r *http.Request, account common.Address) error {
	caller, ok := crypto.CallerFrom(r.Context())
	if !ok || caller != account {
		return domain.ErrUnauthorized
	}
	return nil
}

// parseAmount parses a human decimal such as "1.5". An empty string is zero
// when optional is set.
func parseAmount(s, field string, optional bool) (decimal.Decimal, error) {
	if s == "" && optional {
		return decimal.Zero(), nil
	}
	d, err := decimal.Parse(s)
	if err != nil {
		return decimal.Zero(), fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
