package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/wallet-dashboard/internal/circuitbreaker"
	"github.com/wallet-dashboard/internal/config"
	apperrors "github.com/wallet-dashboard/internal/errors"
	"github.com/wallet-dashboard/internal/portfolio"
	"github.com/wallet-dashboard/internal/types"
)

const (
	defaultHistoryLimit  = 10
	defaultActivityLimit = 20
	maxHistoryLimit      = 100
)

// PortfolioResponse is the wire form of a portfolio snapshot
type PortfolioResponse struct {
	Address    string          `json:"address"`
	ChainID    types.ChainID   `json:"chainId"`
	Tokens     []types.Token   `json:"tokens"`
	TotalValue decimal.Decimal `json:"totalValue"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ChainInfo describes a supported chain
type ChainInfo struct {
	ChainID      types.ChainID `json:"chainId"`
	Name         string        `json:"name"`
	NativeSymbol string        `json:"nativeSymbol"`
	Balances     bool          `json:"balances"`
	History      bool          `json:"history"`
}

// TransactionsResponse wraps a transaction history page
type TransactionsResponse struct {
	Address      string              `json:"address"`
	ChainID      types.ChainID       `json:"chainId"`
	Transactions []types.Transaction `json:"transactions"`
}

// TokenTransfersResponse wraps a token transfer history page
type TokenTransfersResponse struct {
	Address   string                `json:"address"`
	ChainID   types.ChainID         `json:"chainId"`
	Transfers []types.TokenTransfer `json:"transfers"`
}

// ActivityResponse wraps the merged transaction and transfer feed
type ActivityResponse struct {
	Address  string           `json:"address"`
	ChainID  types.ChainID    `json:"chainId"`
	Activity []types.Activity `json:"activity"`
}

func newPortfolioResponse(snap *portfolio.Snapshot) PortfolioResponse {
	tokens := snap.Tokens
	if tokens == nil {
		tokens = []types.Token{}
	}
	return PortfolioResponse{
		Address:    snap.Wallet.Address,
		ChainID:    snap.Wallet.ChainID,
		Tokens:     tokens,
		TotalValue: snap.TotalValue,
		UpdatedAt:  snap.UpdatedAt,
	}
}

// walletFromPath validates the chain id and address path variables
func walletFromPath(r *http.Request) (portfolio.Wallet, error) {
	vars := mux.Vars(r)

	chainID, err := types.ParseChainID(vars["chainId"])
	if err != nil || chainID <= 0 {
		return portfolio.Wallet{}, apperrors.NewInvalidParameterError("chainId", "must be a positive integer")
	}

	address := vars["address"]
	if !types.IsAddress(address) {
		return portfolio.Wallet{}, apperrors.NewInvalidAddressError(address)
	}

	return portfolio.Wallet{Address: address, ChainID: chainID, Connected: true}, nil
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, apperrors.NewInvalidParameterError("limit", "must be between 1 and 100")
	}
	return limit, nil
}

func (s *Server) hasBalances(chainID types.ChainID) bool {
	if s.chains == nil {
		return false
	}
	for _, id := range s.chains.ChainIDs() {
		if id == chainID {
			return true
		}
	}
	return false
}

// handleListChains handles GET /api/chains
func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	var ids []types.ChainID
	if s.chains != nil {
		ids = s.chains.ChainIDs()
	}

	chains := make([]ChainInfo, 0, len(ids))
	for _, id := range ids {
		n, _ := config.LookupNetwork(id)
		chains = append(chains, ChainInfo{
			ChainID:      id,
			Name:         n.Name,
			NativeSymbol: config.NativeSymbol(id),
			Balances:     true,
			History:      s.history != nil && s.history.Supports(id),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"chains": chains})
}

// handleBreakers handles GET /api/status/breakers
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if s.breakers != nil {
		stats = append(stats, s.breakers.AllStats()...)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": stats})
}

// handleGetPortfolio handles GET /api/chains/{chainId}/wallets/{address}/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	s.servePortfolio(w, r, s.portfolio.GetPortfolio)
}

// handleRefreshPortfolio handles POST /api/chains/{chainId}/wallets/{address}/portfolio/refresh
func (s *Server) handleRefreshPortfolio(w http.ResponseWriter, r *http.Request) {
	s.servePortfolio(w, r, s.portfolio.Refresh)
}

func (s *Server) servePortfolio(w http.ResponseWriter, r *http.Request, load func(context.Context, portfolio.Wallet) (*portfolio.Snapshot, error)) {
	wallet, err := walletFromPath(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if !s.hasBalances(wallet.ChainID) {
		respondServiceError(w, r, apperrors.NewUnsupportedChainError(wallet.ChainID.String()))
		return
	}

	snap, err := load(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			respondError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "Portfolio is still being computed, retry shortly", nil)
			return
		}
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioResponse(snap))
}

// handleListTransactions handles GET /api/chains/{chainId}/wallets/{address}/transactions
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	wallet, limit, ok := s.historyRequest(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	txs := s.history.ListTransactions(r.Context(), wallet.Address, wallet.ChainID, limit)
	respondJSON(w, http.StatusOK, TransactionsResponse{
		Address:      wallet.Address,
		ChainID:      wallet.ChainID,
		Transactions: txs,
	})
}

// handleListTokenTransfers handles GET /api/chains/{chainId}/wallets/{address}/token-transfers
func (s *Server) handleListTokenTransfers(w http.ResponseWriter, r *http.Request) {
	wallet, limit, ok := s.historyRequest(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	transfers := s.history.ListTokenTransfers(r.Context(), wallet.Address, wallet.ChainID, limit)
	respondJSON(w, http.StatusOK, TokenTransfersResponse{
		Address:   wallet.Address,
		ChainID:   wallet.ChainID,
		Transfers: transfers,
	})
}

// handleRecentActivity handles GET /api/chains/{chainId}/wallets/{address}/activity
func (s *Server) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	wallet, limit, ok := s.historyRequest(w, r, defaultActivityLimit)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, ActivityResponse{
		Address:  wallet.Address,
		ChainID:  wallet.ChainID,
		Activity: s.history.RecentActivity(r.Context(), wallet.Address, wallet.ChainID, limit),
	})
}

func (s *Server) historyRequest(w http.ResponseWriter, r *http.Request, defaultLimit int) (portfolio.Wallet, int, bool) {
	wallet, err := walletFromPath(r)
	if err != nil {
		respondServiceError(w, r, err)
		return wallet, 0, false
	}
	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		respondServiceError(w, r, err)
		return wallet, 0, false
	}
	if s.history == nil || !s.history.Supports(wallet.ChainID) {
		respondServiceError(w, r, apperrors.NewUnsupportedChainError(wallet.ChainID.String()))
		return wallet, 0, false
	}
	return wallet, limit, true
}
