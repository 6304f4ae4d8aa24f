// Package orderstatus is the order lifecycle. It moves orders along legal
// edges and keeps the status history; it never touches stock.
package orderstatus

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/store"
	"go.uber.org/zap"
)

var validNext = map[models.OrderStatus]map[models.OrderStatus]bool{
	models.OrderStatusPending:   {models.OrderStatusConfirmed: true, models.OrderStatusCancelled: true},
	models.OrderStatusConfirmed: {models.OrderStatusShipping: true, models.OrderStatusCancelled: true},
	models.OrderStatusShipping:  {models.OrderStatusDelivered: true},
	models.OrderStatusDelivered: {},
	models.OrderStatusCancelled: {},
}

func CanTransition(from, to models.OrderStatus) bool {
	return validNext[from][to]
}

// Transition locks the order, checks the edge, updates the status and
// appends a history row, all on q. The returned event is for the caller to
// publish once its transaction has committed.
func Transition(ctx context.Context, q database.Querier, orderID int64, to models.OrderStatus, changedBy string) (events.Event, error) {
	order, err := store.LockOrder(ctx, q, orderID)
	if err != nil {
		return events.Event{}, err
	}

	from := order.Status
	if !CanTransition(from, to) {
		return events.Event{}, &database.IllegalStateTransitionError{
			Entity: "order " + order.OrderNumber,
			From:   string(from),
			To:     string(to),
		}
	}

	ok, err := store.UpdateOrderStatus(ctx, q, orderID, from, to)
	if err != nil {
		return events.Event{}, err
	}
	if !ok {
		return events.Event{}, fmt.Errorf("order %s changed while locked: %w", order.OrderNumber, database.ErrIllegalStateTransition)
	}

	if err := store.InsertOrderStatusLog(ctx, q, orderID, &from, to, changedBy); err != nil {
		return events.Event{}, err
	}

	return events.New(events.OrderStatusChanged, orderID, order.OrderNumber, string(from), string(to)), nil
}

// RecordCreated writes the first history row of a new order.
func RecordCreated(ctx context.Context, q database.Querier, order *models.Order, changedBy string) (events.Event, error) {
	if err := store.InsertOrderStatusLog(ctx, q, order.ID, nil, order.Status, changedBy); err != nil {
		return events.Event{}, err
	}
	return events.New(events.OrderCreated, order.ID, order.OrderNumber, "", string(order.Status)), nil
}

// Service serves the order query API and the fulfilment edges that are not
// driven by payment.
type Service struct {
	db         *sql.DB
	log        *zap.Logger
	dispatcher *events.Dispatcher
}

func NewService(db *sql.DB, log *zap.Logger, dispatcher *events.Dispatcher) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, log: log, dispatcher: dispatcher}
}

func (s *Service) Get(ctx context.Context, orderNumber string) (*models.Order, error) {
	return store.GetOrderByNumber(ctx, s.db, orderNumber)
}

func (s *Service) History(ctx context.Context, orderID int64) ([]models.OrderStatusLog, error) {
	return store.ListOrderStatusLogs(ctx, s.db, orderID)
}

func (s *Service) List(ctx context.Context, userID int64, cursor string, limit int) (*store.Page[models.Order], error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return store.ListOrdersCursor(ctx, s.db, userID, cursor, limit)
}

// Ship hands a confirmed order to the carrier.
func (s *Service) Ship(ctx context.Context, orderNumber, changedBy string) (*models.Order, error) {
	return s.move(ctx, orderNumber, models.OrderStatusShipping, changedBy)
}

// Deliver records delivery confirmation.
func (s *Service) Deliver(ctx context.Context, orderNumber, changedBy string) (*models.Order, error) {
	return s.move(ctx, orderNumber, models.OrderStatusDelivered, changedBy)
}

func (s *Service) move(ctx context.Context, orderNumber string, to models.OrderStatus, changedBy string) (*models.Order, error) {
	order, err := store.GetOrderByNumber(ctx, s.db, orderNumber)
	if err != nil {
		return nil, err
	}

	var ev events.Event
	err = database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		ev, err = Transition(ctx, tx, order.ID, to, changedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order status changed",
		zap.String("order_number", orderNumber),
		zap.String("old_status", ev.OldStatus),
		zap.String("new_status", ev.NewStatus),
		zap.String("changed_by", changedBy),
	)
	s.dispatcher.Dispatch(ctx, ev)

	return store.GetOrderByNumber(ctx, s.db, orderNumber)
}
