// Package api exposes the engine over JSON HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kurateapp/kurate/internal/adapters/cache"
	"github.com/kurateapp/kurate/internal/domain/bids"
	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
	"github.com/kurateapp/kurate/internal/domain/settlement"
	"github.com/kurateapp/kurate/pkg/auth"
)

// Handler wires the domain services to echo routes.
type Handler struct {
	bidService        *bids.Service
	listingService    *listings.Service
	settlementService *settlement.Service
	listingCache      *cache.ListingCache
	logger            *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	bidService *bids.Service,
	listingService *listings.Service,
	settlementService *settlement.Service,
	listingCache *cache.ListingCache,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		bidService:        bidService,
		listingService:    listingService,
		settlementService: settlementService,
		listingCache:      listingCache,
		logger:            logger,
	}
}

// Register mounts all routes. Everything except the health check sits
// behind the JWT middleware.
func (h *Handler) Register(e *echo.Echo, authMiddleware echo.MiddlewareFunc) {
	e.GET("/health", h.Health)

	g := e.Group("", authMiddleware)
	g.POST("/bids", h.PlaceBid)
	g.GET("/bids", h.BidHistory)
	g.GET("/listings/:id", h.GetListing)
	g.POST("/listings", h.ListingAction)
	g.GET("/transactions/:id", h.GetTransaction)
	g.POST("/transactions/:id/confirm-purchase", h.ConfirmPurchase)
	g.POST("/transactions/:id/mark-shipped", h.MarkShipped)
	g.POST("/transactions/:id/confirm-delivery", h.ConfirmDelivery)
	g.POST("/transactions/:id/retry-payment", h.RetryPayment)
	g.POST("/transactions/:id/retry-payout", h.RetryPayout)
}

// Health reports liveness
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type placeBidRequest struct {
	ListingID    uuid.UUID `json:"listingId"`
	Amount       int64     `json:"amount"`
	SelectedSize *string   `json:"selectedSize,omitempty"`
}

type placeBidResponse struct {
	Bid     bidView     `json:"bid"`
	Listing listingView `json:"listing"`
}

// PlaceBid handles POST /bids
func (h *Handler) PlaceBid(c echo.Context) error {
	bidderID := auth.MustGetUserID(c)

	var req placeBidRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ListingID == uuid.Nil {
		return badRequest(c, "listingId is required")
	}

	placement, err := h.bidService.SubmitBid(c.Request().Context(), bids.SubmitBidCommand{
		ListingID:    req.ListingID,
		BidderID:     bidderID,
		Amount:       req.Amount,
		SelectedSize: req.SelectedSize,
	})
	if err != nil {
		return h.domainError(c, err)
	}

	h.listingCache.Invalidate(c.Request().Context(), req.ListingID)

	return c.JSON(http.StatusCreated, placeBidResponse{
		Bid:     toBidView(placement.Bid),
		Listing: toListingView(placement.Listing),
	})
}

type historyEntry struct {
	Bid     bidView     `json:"bid"`
	Listing listingView `json:"listing"`
}

// BidHistory handles GET /bids
func (h *Handler) BidHistory(c echo.Context) error {
	bidderID := auth.MustGetUserID(c)

	entries, err := h.bidService.History(c.Request().Context(), bidderID)
	if err != nil {
		return h.domainError(c, err)
	}

	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{Bid: toBidView(e.Bid), Listing: toListingView(e.Listing)})
	}
	return c.JSON(http.StatusOK, map[string]any{"bids": out})
}

// GetListing handles GET /listings/:id with a read-through cache
func (h *Handler) GetListing(c echo.Context) error {
	listingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid listing id")
	}

	ctx := c.Request().Context()
	if cached := h.listingCache.Get(ctx, listingID); cached != nil {
		return c.JSON(http.StatusOK, toListingView(cached))
	}

	listing, err := h.listingService.GetListing(ctx, listingID)
	if err != nil {
		return h.domainError(c, err)
	}
	h.listingCache.Set(ctx, listing)

	return c.JSON(http.StatusOK, toListingView(listing))
}

type listingActionRequest struct {
	Action    string    `json:"action"`
	ListingID uuid.UUID `json:"listingId"`
}

// ListingAction handles POST /listings. The only supported action is
// "cancel"; listing creation lives in the catalog service.
func (h *Handler) ListingAction(c echo.Context) error {
	curatorID := auth.MustGetUserID(c)

	var req listingActionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Action != "cancel" {
		return badRequest(c, "unsupported action")
	}
	if req.ListingID == uuid.Nil {
		return badRequest(c, "listingId is required")
	}

	report, err := h.listingService.Cancel(c.Request().Context(), listings.CancelCommand{
		ListingID: req.ListingID,
		CuratorID: curatorID,
	})
	if err != nil {
		return h.domainError(c, err)
	}

	h.listingCache.Invalidate(c.Request().Context(), req.ListingID)

	return c.JSON(http.StatusOK, report)
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c echo.Context) error {
	userID := auth.MustGetUserID(c)
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	txn, err := h.settlementService.GetTransaction(c.Request().Context(), userID, txnID)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, toTransactionView(txn))
}

// ConfirmPurchase handles POST /transactions/:id/confirm-purchase
func (h *Handler) ConfirmPurchase(c echo.Context) error {
	curatorID := auth.MustGetUserID(c)
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	txn, err := h.settlementService.ConfirmPurchase(c.Request().Context(), curatorID, txnID)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, toTransactionView(txn))
}

type markShippedRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

// MarkShipped handles POST /transactions/:id/mark-shipped
func (h *Handler) MarkShipped(c echo.Context) error {
	curatorID := auth.MustGetUserID(c)
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	var req markShippedRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	txn, err := h.settlementService.MarkShipped(c.Request().Context(), curatorID, txnID, req.TrackingNumber)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, toTransactionView(txn))
}

type deliveryResponse struct {
	Transaction   transactionView `json:"transaction"`
	PayoutWarning string          `json:"payoutWarning,omitempty"`
}

// ConfirmDelivery handles POST /transactions/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c echo.Context) error {
	buyerID := auth.MustGetUserID(c)
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	result, err := h.settlementService.ConfirmDelivery(c.Request().Context(), buyerID, txnID)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, deliveryResponse{
		Transaction:   toTransactionView(result.Transaction),
		PayoutWarning: result.PayoutWarning,
	})
}

// RetryPayment handles POST /transactions/:id/retry-payment
func (h *Handler) RetryPayment(c echo.Context) error {
	buyerID := auth.MustGetUserID(c)
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	txn, err := h.settlementService.RetryPayment(c.Request().Context(), buyerID, txnID)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, toTransactionView(txn))
}

// RetryPayout handles POST /transactions/:id/retry-payout
func (h *Handler) RetryPayout(c echo.Context) error {
	txnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid transaction id")
	}

	result, err := h.settlementService.RetryPayout(c.Request().Context(), txnID)
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, deliveryResponse{
		Transaction:   toTransactionView(result.Transaction),
		PayoutWarning: result.PayoutWarning,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

// domainError maps domain sentinels to HTTP statuses and stable error
// codes. State conflicts and card declines are client errors (400);
// not-found is 404, wrong-party is 403.
func (h *Handler) domainError(c echo.Context, err error) error {
	if declined, ok := payments.AsDeclined(err); ok {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: declined.Error(), Code: "CARD_DECLINED"})
	}

	type mapping struct {
		status int
		code   string
	}
	known := []struct {
		err error
		m   mapping
	}{
		{bids.ErrPaymentMethodRequired, mapping{http.StatusBadRequest, "PAYMENT_METHOD_REQUIRED"}},
		{bids.ErrBidTooLow, mapping{http.StatusBadRequest, "BID_TOO_LOW"}},
		{bids.ErrInvalidAmount, mapping{http.StatusBadRequest, "INVALID_AMOUNT"}},
		{bids.ErrCuratorCannotBid, mapping{http.StatusForbidden, "CURATOR_CANNOT_BID"}},
		{listings.ErrNotFound, mapping{http.StatusNotFound, "LISTING_NOT_FOUND"}},
		{listings.ErrNotActive, mapping{http.StatusBadRequest, "AUCTION_NOT_ACTIVE"}},
		{listings.ErrSizeRequired, mapping{http.StatusBadRequest, "SIZE_REQUIRED"}},
		{listings.ErrInvalidSize, mapping{http.StatusBadRequest, "INVALID_SIZE"}},
		{listings.ErrUnauthorized, mapping{http.StatusForbidden, "NOT_LISTING_OWNER"}},
		{listings.ErrCannotCancel, mapping{http.StatusBadRequest, "CANNOT_CANCEL"}},
		{settlement.ErrNotFound, mapping{http.StatusNotFound, "TRANSACTION_NOT_FOUND"}},
		{settlement.ErrInvalidState, mapping{http.StatusBadRequest, "INVALID_STATE"}},
		{settlement.ErrUnauthorized, mapping{http.StatusForbidden, "NOT_TRANSACTION_PARTY"}},
		{settlement.ErrTrackingRequired, mapping{http.StatusBadRequest, "TRACKING_REQUIRED"}},
	}
	for _, k := range known {
		if errors.Is(err, k.err) {
			return c.JSON(k.m.status, errorResponse{Error: k.err.Error(), Code: k.m.code})
		}
	}

	h.logger.Error("Unhandled error", "error", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// View types decouple the wire format from the storage structs.

type bidView struct {
	ID           uuid.UUID `json:"id"`
	ListingID    uuid.UUID `json:"listingId"`
	Amount       int64     `json:"amount"`
	IsWinning    bool      `json:"isWinning"`
	SelectedSize *string   `json:"selectedSize,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toBidView(b *bids.Bid) bidView {
	return bidView{
		ID:           b.ID,
		ListingID:    b.ListingID,
		Amount:       b.Amount,
		IsWinning:    b.IsWinning,
		SelectedSize: b.SelectedSize,
		CreatedAt:    b.CreatedAt,
	}
}

type listingView struct {
	ID             uuid.UUID `json:"id"`
	CuratorID      uuid.UUID `json:"curatorId"`
	Title          string    `json:"title"`
	StartingBid    int64     `json:"startingBid"`
	CurrentHighBid *int64    `json:"currentHighBid,omitempty"`
	Status         string    `json:"status"`
	AuctionEnd     time.Time `json:"auctionEnd"`
	ExtensionsUsed int       `json:"extensionsUsed"`
	AvailableSizes []string  `json:"availableSizes,omitempty"`
}

func toListingView(l *listings.Listing) listingView {
	return listingView{
		ID:             l.ID,
		CuratorID:      l.CuratorID,
		Title:          l.Title,
		StartingBid:    l.StartingBid,
		CurrentHighBid: l.CurrentHighBid,
		Status:         string(l.Status),
		AuctionEnd:     l.AuctionEnd,
		ExtensionsUsed: l.ExtensionsUsed,
		AvailableSizes: l.AvailableSizes,
	}
}

type transactionView struct {
	ID              uuid.UUID  `json:"id"`
	ListingID       uuid.UUID  `json:"listingId"`
	BuyerID         uuid.UUID  `json:"buyerId"`
	CuratorID       uuid.UUID  `json:"curatorId"`
	FinalPrice      int64      `json:"finalPrice"`
	PlatformFee     int64      `json:"platformFee"`
	CuratorEarnings int64      `json:"curatorEarnings"`
	ShippingCost    *int64     `json:"shippingCost,omitempty"`
	Status          string     `json:"status"`
	TrackingNumber  *string    `json:"trackingNumber,omitempty"`
	ShippedAt       *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	PayoutError     *string    `json:"payoutError,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toTransactionView(t *settlement.Transaction) transactionView {
	return transactionView{
		ID:              t.ID,
		ListingID:       t.ListingID,
		BuyerID:         t.BuyerID,
		CuratorID:       t.CuratorID,
		FinalPrice:      t.FinalPrice,
		PlatformFee:     t.PlatformFee,
		CuratorEarnings: t.CuratorEarnings,
		ShippingCost:    t.ShippingCost,
		Status:          string(t.Status),
		TrackingNumber:  t.TrackingNumber,
		ShippedAt:       t.ShippedAt,
		DeliveredAt:     t.DeliveredAt,
		PayoutError:     t.PayoutError,
		CreatedAt:       t.CreatedAt,
	}
}
