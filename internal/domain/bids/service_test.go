package bids

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kurateapp/kurate/internal/domain/payments"
	"github.com/kurateapp/kurate/pkg/events"
)

// fakeTx satisfies pgx.Tx for the transaction plumbing. Commit and Rollback
// are the only methods the service calls directly.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeTxManager struct {
	tx *fakeTx
}

func (m *fakeTxManager) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return m.tx, nil
}

// MockOutboxRepository is a mock implementation of events.OutboxRepository
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func (m *MockOutboxRepository) GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*events.OutboxEvent, error) {
	args := m.Called(ctx, tx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*events.OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status events.OutboxStatus) error {
	args := m.Called(ctx, tx, id, status)
	return args.Error(0)
}

// MockPaymentProfiles is a mock implementation of PaymentProfiles
type MockPaymentProfiles struct {
	mock.Mock
}

func (m *MockPaymentProfiles) GetPaymentMethod(ctx context.Context, userID uuid.UUID) (*payments.PaymentMethod, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.PaymentMethod), args.Error(1)
}

// MockGateway is a mock implementation of payments.Gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.Hold), args.Error(1)
}

func (m *MockGateway) CancelHold(ctx context.Context, holdID string) error {
	args := m.Called(ctx, holdID)
	return args.Error(0)
}

func (m *MockGateway) UpdateHoldAmount(ctx context.Context, holdID string, amount int64, metadata map[string]string) error {
	args := m.Called(ctx, holdID, amount, metadata)
	return args.Error(0)
}

func (m *MockGateway) Capture(ctx context.Context, holdID string, amount int64) error {
	args := m.Called(ctx, holdID, amount)
	return args.Error(0)
}

func (m *MockGateway) Transfer(ctx context.Context, req payments.TransferRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, paymentID string, amount *int64, reason string) (string, error) {
	args := m.Called(ctx, paymentID, amount, reason)
	return args.String(0), args.Error(1)
}

type serviceFixture struct {
	service     *Service
	tx          *fakeTx
	listingRepo *MockListingRepository
	bidRepo     *MockBidRepository
	outboxRepo  *MockOutboxRepository
	profiles    *MockPaymentProfiles
	gateway     *MockGateway
	now         time.Time
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		tx:          &fakeTx{},
		listingRepo: new(MockListingRepository),
		bidRepo:     new(MockBidRepository),
		outboxRepo:  new(MockOutboxRepository),
		profiles:    new(MockPaymentProfiles),
		gateway:     new(MockGateway),
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ledger := NewLedger(f.listingRepo, f.bidRepo)
	ledger.now = func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(&fakeTxManager{tx: f.tx}, ledger, f.bidRepo, f.outboxRepo, f.profiles, f.gateway, logger)
	return f
}

func (f *serviceFixture) withPaymentMethod(bidderID uuid.UUID) {
	f.profiles.On("GetPaymentMethod", mock.Anything, bidderID).
		Return(&payments.PaymentMethod{CustomerID: "cus_test", MethodID: "pm_test"}, nil)
}

func TestService_SubmitBid(t *testing.T) {
	ctx := context.Background()
	curatorID := uuid.New()
	bidderID := uuid.New()

	t.Run("happy path places a bid backed by a hold", func(t *testing.T) {
		f := newServiceFixture()
		listing := activeListing(curatorID, f.now)

		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(&payments.Hold{ID: "pi_hold", Amount: 12000}, nil)
		f.listingRepo.On("GetByIDForUpdate", mock.Anything, mock.Anything, listing.ID).Return(listing, nil)
		f.bidRepo.On("DemoteWinning", mock.Anything, mock.Anything, listing.ID).Return(nil, nil)
		f.bidRepo.On("Save", mock.Anything, mock.Anything, mock.AnythingOfType("*bids.Bid")).Return(nil)
		f.listingRepo.On("SetHighBid", mock.Anything, mock.Anything, listing.ID, int64(12000), bidderID).Return(nil)
		f.outboxRepo.On("SaveEvent", mock.Anything, mock.Anything, mock.AnythingOfType("*events.OutboxEvent")).Return(nil)

		placement, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: listing.ID,
			BidderID:  bidderID,
			Amount:    12000,
		})

		require.NoError(t, err)
		assert.Equal(t, "pi_hold", placement.Bid.PaymentIntentID)
		assert.True(t, f.tx.committed)
		f.outboxRepo.AssertNumberOfCalls(t, "SaveEvent", 1)
		f.gateway.AssertNotCalled(t, "CancelHold", mock.Anything, mock.Anything)
	})

	t.Run("outbidding another buyer queues an outbid event", func(t *testing.T) {
		f := newServiceFixture()
		listing := activeListing(curatorID, f.now)
		high := int64(11000)
		previousBidder := uuid.New()
		listing.CurrentHighBid = &high
		listing.HighBidderID = &previousBidder

		previous := &Bid{
			ID:              uuid.New(),
			ListingID:       listing.ID,
			BidderID:        previousBidder,
			Amount:          high,
			PaymentIntentID: "pi_previous",
		}

		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(&payments.Hold{ID: "pi_new", Amount: 12000}, nil)
		f.listingRepo.On("GetByIDForUpdate", mock.Anything, mock.Anything, listing.ID).Return(listing, nil)
		f.bidRepo.On("DemoteWinning", mock.Anything, mock.Anything, listing.ID).Return(previous, nil)
		f.bidRepo.On("Save", mock.Anything, mock.Anything, mock.AnythingOfType("*bids.Bid")).Return(nil)
		f.listingRepo.On("SetHighBid", mock.Anything, mock.Anything, listing.ID, int64(12000), bidderID).Return(nil)
		f.outboxRepo.On("SaveEvent", mock.Anything, mock.Anything, mock.AnythingOfType("*events.OutboxEvent")).Return(nil)

		_, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: listing.ID,
			BidderID:  bidderID,
			Amount:    12000,
		})

		require.NoError(t, err)
		f.outboxRepo.AssertNumberOfCalls(t, "SaveEvent", 2)
		// The superseded hold is released by the worker, never inline
		f.gateway.AssertNotCalled(t, "CancelHold", mock.Anything, mock.Anything)
	})

	t.Run("outbidding yourself does not queue an outbid event", func(t *testing.T) {
		f := newServiceFixture()
		listing := activeListing(curatorID, f.now)
		high := int64(11000)
		listing.CurrentHighBid = &high
		listing.HighBidderID = &bidderID

		previous := &Bid{
			ID:              uuid.New(),
			ListingID:       listing.ID,
			BidderID:        bidderID,
			Amount:          high,
			PaymentIntentID: "pi_own",
		}

		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(&payments.Hold{ID: "pi_own_2", Amount: 12000}, nil)
		f.listingRepo.On("GetByIDForUpdate", mock.Anything, mock.Anything, listing.ID).Return(listing, nil)
		f.bidRepo.On("DemoteWinning", mock.Anything, mock.Anything, listing.ID).Return(previous, nil)
		f.bidRepo.On("Save", mock.Anything, mock.Anything, mock.AnythingOfType("*bids.Bid")).Return(nil)
		f.listingRepo.On("SetHighBid", mock.Anything, mock.Anything, listing.ID, int64(12000), bidderID).Return(nil)
		f.outboxRepo.On("SaveEvent", mock.Anything, mock.Anything, mock.AnythingOfType("*events.OutboxEvent")).Return(nil)

		_, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: listing.ID,
			BidderID:  bidderID,
			Amount:    12000,
		})

		require.NoError(t, err)
		f.outboxRepo.AssertNumberOfCalls(t, "SaveEvent", 1)
	})

	t.Run("requires a saved payment method before anything else", func(t *testing.T) {
		f := newServiceFixture()
		f.profiles.On("GetPaymentMethod", mock.Anything, bidderID).Return(nil, nil)

		_, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: uuid.New(),
			BidderID:  bidderID,
			Amount:    12000,
		})

		assert.ErrorIs(t, err, ErrPaymentMethodRequired)
		f.gateway.AssertNotCalled(t, "CreateHold", mock.Anything, mock.Anything)
	})

	t.Run("card decline surfaces without touching the ledger", func(t *testing.T) {
		f := newServiceFixture()
		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(nil, &payments.DeclinedError{Code: "insufficient_funds", Reason: "Your card has insufficient funds."})

		_, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: uuid.New(),
			BidderID:  bidderID,
			Amount:    12000,
		})

		declined, ok := payments.AsDeclined(err)
		require.True(t, ok)
		assert.Equal(t, "insufficient_funds", declined.Code)
		f.listingRepo.AssertNotCalled(t, "GetByIDForUpdate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("releases the hold exactly once when the ledger rejects the bid", func(t *testing.T) {
		f := newServiceFixture()
		listing := activeListing(curatorID, f.now)
		high := int64(15000)
		listing.CurrentHighBid = &high

		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(&payments.Hold{ID: "pi_doomed", Amount: 12000}, nil)
		f.listingRepo.On("GetByIDForUpdate", mock.Anything, mock.Anything, listing.ID).Return(listing, nil)
		f.gateway.On("CancelHold", mock.Anything, "pi_doomed").Return(nil)

		_, err := f.service.SubmitBid(ctx, SubmitBidCommand{
			ListingID: listing.ID,
			BidderID:  bidderID,
			Amount:    12000,
		})

		assert.ErrorIs(t, err, ErrBidTooLow)
		f.gateway.AssertNumberOfCalls(t, "CancelHold", 1)
		assert.False(t, f.tx.committed)
		f.bidRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("a retried bid never reuses the previous hold's idempotency key", func(t *testing.T) {
		f := newServiceFixture()
		listing := activeListing(curatorID, f.now)
		high := int64(15000)
		listing.CurrentHighBid = &high

		f.withPaymentMethod(bidderID)
		f.gateway.On("CreateHold", mock.Anything, mock.AnythingOfType("payments.HoldRequest")).
			Return(&payments.Hold{ID: "pi_attempt", Amount: 12000}, nil)
		f.listingRepo.On("GetByIDForUpdate", mock.Anything, mock.Anything, listing.ID).Return(listing, nil)
		f.gateway.On("CancelHold", mock.Anything, "pi_attempt").Return(nil)

		cmd := SubmitBidCommand{ListingID: listing.ID, BidderID: bidderID, Amount: 12000}
		for i := 0; i < 2; i++ {
			_, err := f.service.SubmitBid(ctx, cmd)
			assert.ErrorIs(t, err, ErrBidTooLow)
		}

		// A cancelled hold must never be replayed: the provider serves the
		// original (now dead) intent for a reused key within its replay window.
		var keys []string
		for _, call := range f.gateway.Calls {
			if call.Method == "CreateHold" {
				keys = append(keys, call.Arguments.Get(1).(payments.HoldRequest).IdempotencyKey)
			}
		}
		require.Len(t, keys, 2)
		assert.NotEmpty(t, keys[0])
		assert.NotEqual(t, keys[0], keys[1])
	})
}

func TestService_History(t *testing.T) {
	f := newServiceFixture()
	bidderID := uuid.New()
	listing := activeListing(uuid.New(), f.now)

	entries := []*HistoryEntry{
		{Bid: &Bid{ID: uuid.New(), ListingID: listing.ID, BidderID: bidderID, Amount: 12000}, Listing: listing},
	}
	f.bidRepo.On("ListByBidder", mock.Anything, bidderID).Return(entries, nil)

	got, err := f.service.History(context.Background(), bidderID)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, listing.ID, got[0].Listing.ID)
}
