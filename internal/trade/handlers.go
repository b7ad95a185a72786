package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Routes mounts the trade API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/quotes", s.HandleIssueQuote)
	r.Get("/quotes/{quoteID}", s.HandleGetQuote)
	r.Post("/quotes/{quoteID}/execute", s.HandleExecuteQuote)
	r.Post("/quotes/{quoteID}/expire", s.HandleExpireQuote)
	r.Get("/quotes/{quoteID}/hedge", s.HandlePreviewHedge)

	r.Post("/dealer-trades", s.HandleExecuteDealerTrade)

	r.Get("/trades/{tradeID}", s.HandleGetTrade)
	r.Post("/trades/{tradeID}/confirm", s.HandleConfirm)
	r.Post("/trades/{tradeID}/settle-position", s.HandleSettlePosition)
	r.Post("/trades/{tradeID}/settle-financial", s.HandleSettleFinancially)
	r.Post("/trades/{tradeID}/cancel", s.HandleCancel)

	r.Post("/cash/adjustments", s.HandleAdjustCash)
	r.Get("/balances/cash/{balanceType}", s.HandleCashBalance)
	r.Get("/balances/inventory", s.HandleInventoryBalance)

	r.Get("/hedging-accounts/{accountID}/unrealized", s.HandleUnrealized)
	r.Post("/hedging-accounts/{accountID}/items", s.HandleAddHedgingItem)
}

// --- HTTP Handlers ---

type issueQuoteBody struct {
	IssueQuoteRequest
	TTLSeconds int `json:"ttl_seconds"`
}

// HandleIssueQuote handles POST /quotes
func (s *Service) HandleIssueQuote(w http.ResponseWriter, r *http.Request) {
	var body issueQuoteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req := body.IssueQuoteRequest
	req.TTL = time.Duration(body.TTLSeconds) * time.Second

	q, err := s.IssueQuote(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// HandleGetQuote handles GET /quotes/{quoteID}
func (s *Service) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "quoteID")
	if !ok {
		return
	}
	q, err := s.GetQuote(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleExecuteQuote handles POST /quotes/{quoteID}/execute
func (s *Service) HandleExecuteQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "quoteID")
	if !ok {
		return
	}
	var body struct {
		ReferenceNumber string `json:"reference_number"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	exec, err := s.ExecuteQuote(r.Context(), ExecuteQuoteRequest{QuoteID: id, ReferenceNumber: body.ReferenceNumber})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// HandleExpireQuote handles POST /quotes/{quoteID}/expire
func (s *Service) HandleExpireQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "quoteID")
	if !ok {
		return
	}
	q, err := s.ExpireQuote(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandlePreviewHedge handles GET /quotes/{quoteID}/hedge
func (s *Service) HandlePreviewHedge(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "quoteID")
	if !ok {
		return
	}
	res, err := s.PreviewHedge(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleExecuteDealerTrade handles POST /dealer-trades
func (s *Service) HandleExecuteDealerTrade(w http.ResponseWriter, r *http.Request) {
	var req ExecuteDealerTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	exec, err := s.ExecuteDealerTrade(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// HandleGetTrade handles GET /trades/{tradeID}
func (s *Service) HandleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "tradeID")
	if !ok {
		return
	}
	t, err := s.GetTrade(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleConfirm handles POST /trades/{tradeID}/confirm
func (s *Service) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.ConfirmTrade)
}

// HandleSettlePosition handles POST /trades/{tradeID}/settle-position
func (s *Service) HandleSettlePosition(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.SettlePosition)
}

// HandleSettleFinancially handles POST /trades/{tradeID}/settle-financial
func (s *Service) HandleSettleFinancially(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.SettleFinancially)
}

func (s *Service) handleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*model.Trade, error)) {
	id, ok := urlID(w, r, "tradeID")
	if !ok {
		return
	}
	t, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleCancel handles POST /trades/{tradeID}/cancel
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "tradeID")
	if !ok {
		return
	}
	exec, err := s.CancelTrade(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// HandleAdjustCash handles POST /cash/adjustments
func (s *Service) HandleAdjustCash(w http.ResponseWriter, r *http.Request) {
	var req AdjustCashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.AdjustCash(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// BalanceResponse is returned by the balance endpoints.
type BalanceResponse struct {
	Key     string          `json:"key"`
	Balance decimal.Decimal `json:"balance"`
}

// HandleCashBalance handles GET /balances/cash/{balanceType}
func (s *Service) HandleCashBalance(w http.ResponseWriter, r *http.Request) {
	bt := model.BalanceType(chi.URLParam(r, "balanceType"))
	if bt != model.BalanceTypeEffective && bt != model.BalanceTypeActual {
		writeError(w, "balance type must be effective or actual", http.StatusBadRequest)
		return
	}
	balance, err := s.CashBalance(r.Context(), bt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Key: string(bt), Balance: balance})
}

// HandleInventoryBalance handles GET /balances/inventory?product_id=&location=&type=
func (s *Service) HandleInventoryBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := uuid.Parse(q.Get("product_id"))
	if err != nil {
		writeError(w, "product_id must be a UUID", http.StatusBadRequest)
		return
	}
	key := model.PositionKey{
		ProductID: productID,
		Location:  model.Location(q.Get("location")),
		Type:      model.PositionType(q.Get("type")),
	}
	if key.Type == "" {
		key.Type = model.PositionTypeAvailable
	}
	if key.Location == "" {
		writeError(w, "location is required", http.StatusBadRequest)
		return
	}

	balance, err := s.InventoryBalance(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Key: key.String(), Balance: balance})
}

// HandleUnrealized handles GET /hedging-accounts/{accountID}/unrealized?gold=&silver=
// Spot prices per ounce are passed as query parameters keyed by metal.
func (s *Service) HandleUnrealized(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "accountID")
	if !ok {
		return
	}
	spot := make(map[model.Metal]decimal.Decimal)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		price, err := decimal.NewFromString(values[0])
		if err != nil {
			writeError(w, "invalid spot price for "+name, http.StatusBadRequest)
			return
		}
		spot[model.Metal(strings.ToLower(name))] = price
	}

	pnl, err := s.UnrealizedGainLoss(r.Context(), id, spot)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Key: id.String(), Balance: pnl})
}

// HandleAddHedgingItem handles POST /hedging-accounts/{accountID}/items
func (s *Service) HandleAddHedgingItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "accountID")
	if !ok {
		return
	}
	var req AddHedgingItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	it, err := s.AddHedgingItem(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func urlID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, param+" must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps an error's kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, model.ErrNotFound) {
		return http.StatusNotFound
	}
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindState:
		return http.StatusConflict
	case model.KindInsufficient:
		return http.StatusUnprocessableEntity
	case model.KindCollaborator:
		return http.StatusBadGateway
	case model.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": string(model.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
