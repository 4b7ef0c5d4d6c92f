package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mybook/mymarket/internal/database"
	"github.com/mybook/mymarket/internal/models"
)

type PlaceOrderRequest struct {
	BuyerID   int64
	ListingID int64
	Count     int
	DealType  string
}

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

// PlaceOrder runs the whole placement as one serializable transaction:
// resolve buyer and listing, freeze the unit price, decrement stock
// (cancelling the listing if it lands on zero), and write the order, its
// line item, and its deal together. A shortfall aborts everything; no
// partial order survives.
//
// The deal's address is resolved once, here: DELIVERY ships to the
// buyer, DIRECT hands off at the seller's address.
func PlaceOrder(ctx context.Context, db *sql.DB, req PlaceOrderRequest) (*models.Order, error) {
	if req.Count <= 0 {
		return nil, database.ErrInsufficientStock
	}

	dealType := models.ParseDealType(req.DealType)

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var buyerAddr models.Address
		err := tx.QueryRowContext(ctx,
			"SELECT city, street, zipcode FROM members WHERE id = $1",
			req.BuyerID).Scan(&buyerAddr.City, &buyerAddr.Street, &buyerAddr.Zipcode)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrMemberNotFound
			}
			return fmt.Errorf("resolve buyer: %w", err)
		}

		var itemID int64
		var sellerAddr models.Address
		err = tx.QueryRowContext(ctx,
			`SELECT i.id, m.city, m.street, m.zipcode
			 FROM listings l
			 JOIN members m ON m.id = l.member_id
			 JOIN items i ON i.listing_id = l.id
			 WHERE l.id = $1`,
			req.ListingID).Scan(&itemID, &sellerAddr.City, &sellerAddr.Street, &sellerAddr.Zipcode)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrListingNotFound
			}
			return fmt.Errorf("resolve listing: %w", err)
		}

		item, err := LockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}

		// Frozen at order time; later price changes must not move this order.
		unitPrice := item.Price
		subtotal := unitPrice.Mul(decimal.NewFromInt(int64(req.Count)))

		if _, err := DecreaseStock(ctx, tx, itemID, req.Count); err != nil {
			return err
		}

		dealAddr := sellerAddr
		if dealType == models.DealTypeDelivery {
			dealAddr = buyerAddr
		}

		order = &models.Order{
			MemberID:    req.BuyerID,
			OrderNumber: generateOrderNumber(),
			Status:      models.OrderStatusOrdered,
			TotalAmount: subtotal,
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (member_id, order_number, status, total_amount, order_date, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, NOW(), NOW(), NOW(), 1)
			 RETURNING id, order_date, created_at, updated_at, version`,
			order.MemberID, order.OrderNumber, order.Status, order.TotalAmount).Scan(
			&order.ID, &order.OrderDate, &order.CreatedAt, &order.UpdatedAt, &order.Version)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		orderItem := models.OrderItem{
			OrderID:   order.ID,
			ItemID:    itemID,
			Quantity:  req.Count,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, item_id, quantity, unit_price, subtotal, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 RETURNING id, created_at`,
			orderItem.OrderID, orderItem.ItemID, orderItem.Quantity, orderItem.UnitPrice, orderItem.Subtotal).Scan(
			&orderItem.ID, &orderItem.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
		order.Items = []models.OrderItem{orderItem}

		deal := &models.Deal{
			OrderID: order.ID,
			Type:    dealType,
			Status:  models.DealStatusWaiting,
			Address: dealAddr,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO deals (order_id, type, status, city, street, zipcode, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			 RETURNING id, created_at, updated_at`,
			deal.OrderID, deal.Type, deal.Status,
			deal.Address.City, deal.Address.Street, deal.Address.Zipcode).Scan(
			&deal.ID, &deal.CreatedAt, &deal.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create deal: %w", err)
		}
		order.Deal = deal

		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// lockOrderWithDeal loads an order's and its deal's statuses under
// FOR UPDATE so lifecycle guards and the transition commit atomically.
func lockOrderWithDeal(ctx context.Context, tx *sql.Tx, orderID int64) (orderStatus, dealStatus string, dealID int64, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT o.status, d.status, d.id
		 FROM orders o
		 JOIN deals d ON d.order_id = o.id
		 WHERE o.id = $1
		 FOR UPDATE`,
		orderID).Scan(&orderStatus, &dealStatus, &dealID)
	if err != nil {
		if err == sql.ErrNoRows {
			err = database.ErrOrderNotFound
		} else {
			err = fmt.Errorf("lock order: %w", err)
		}
	}
	return
}

// CancelOrder reverses an order: ORDERED -> CANCELLED, restoring stock
// on every line item. A restore that brings stock back above zero flips
// a cancelled listing back to LISTED.
//
// Guards: a cancelled order cannot be cancelled again, and an order
// whose deal has completed cannot be cancelled at all.
func CancelOrder(ctx context.Context, db *sql.DB, orderID int64) error {
	return database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		orderStatus, dealStatus, _, err := lockOrderWithDeal(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if orderStatus != models.OrderStatusOrdered {
			return database.ErrOrderAlreadyCancelled
		}
		if dealStatus != models.DealStatusWaiting {
			return database.ErrDealCompleted
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			models.OrderStatusCancelled, orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT item_id, quantity FROM order_items WHERE order_id = $1",
			orderID)
		if err != nil {
			return fmt.Errorf("load order items: %w", err)
		}
		defer rows.Close()

		type restore struct {
			itemID   int64
			quantity int
		}
		var restores []restore
		for rows.Next() {
			var r restore
			if err := rows.Scan(&r.itemID, &r.quantity); err != nil {
				return fmt.Errorf("scan order item: %w", err)
			}
			restores = append(restores, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		for _, r := range restores {
			stock, listingID, err := IncreaseStock(ctx, tx, r.itemID, r.quantity)
			if err != nil {
				return err
			}
			if stock > 0 {
				// Un-sold inventory is available again.
				_, err = tx.ExecContext(ctx,
					`UPDATE listings
					 SET status = $1, updated_at = NOW(), version = version + 1
					 WHERE id = $2 AND status = $3`,
					models.ListingStatusListed, listingID, models.ListingStatusCancelled)
				if err != nil {
					return fmt.Errorf("reactivate listing: %w", err)
				}
			}
		}

		return nil
	})
}

// CompleteDeal is the WAITING -> COMPLETED transition on an order's
// deal. A cancelled order cannot complete, and completion is terminal.
func CompleteDeal(ctx context.Context, db *sql.DB, orderID int64) error {
	return database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		orderStatus, dealStatus, dealID, err := lockOrderWithDeal(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if orderStatus != models.OrderStatusOrdered {
			return database.ErrOrderAlreadyCancelled
		}
		if dealStatus != models.DealStatusWaiting {
			return database.ErrDealCompleted
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE deals
			 SET status = $1, updated_at = NOW()
			 WHERE id = $2`,
			models.DealStatusCompleted, dealID)
		if err != nil {
			return fmt.Errorf("complete deal: %w", err)
		}

		return nil
	})
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT id, member_id, order_number, status, total_amount, order_date, created_at, updated_at, version
		FROM orders
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.MemberID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.OrderDate,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	itemsQuery := `
		SELECT id, order_id, item_id, quantity, unit_price, subtotal, created_at
		FROM order_items
		WHERE order_id = $1`

	rows, err := db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ItemID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items

	deal := &models.Deal{}
	err = db.QueryRowContext(ctx,
		`SELECT id, order_id, type, status, city, street, zipcode, created_at, updated_at
		 FROM deals
		 WHERE order_id = $1`,
		id).Scan(
		&deal.ID,
		&deal.OrderID,
		&deal.Type,
		&deal.Status,
		&deal.Address.City,
		&deal.Address.Street,
		&deal.Address.Zipcode,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get deal: %w", err)
	}
	order.Deal = deal

	return order, nil
}

type OrderSearch struct {
	Nickname    string
	OrderStatus string
	DealStatus  string
}

// SearchOrders filters by buyer nickname, order status, and deal status;
// empty criteria match everything. Capped at 1000 rows.
func SearchOrders(ctx context.Context, db *sql.DB, search OrderSearch) ([]models.Order, error) {
	var conditions []string
	var args []interface{}

	if search.Nickname != "" {
		args = append(args, search.Nickname)
		conditions = append(conditions, fmt.Sprintf("m.nickname = $%d", len(args)))
	}
	if search.OrderStatus != "" {
		args = append(args, search.OrderStatus)
		conditions = append(conditions, fmt.Sprintf("o.status = $%d", len(args)))
	}
	if search.DealStatus != "" {
		args = append(args, search.DealStatus)
		conditions = append(conditions, fmt.Sprintf("d.status = $%d", len(args)))
	}

	query := `
		SELECT o.id, o.member_id, o.order_number, o.status, o.total_amount, o.order_date, o.created_at, o.updated_at, o.version,
		       d.id, d.order_id, d.type, d.status, d.city, d.street, d.zipcode, d.created_at, d.updated_at
		FROM orders o
		JOIN members m ON m.id = o.member_id
		JOIN deals d ON d.order_id = o.id`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY o.order_date DESC LIMIT 1000"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order := models.Order{Deal: &models.Deal{}}
		err := rows.Scan(
			&order.ID,
			&order.MemberID,
			&order.OrderNumber,
			&order.Status,
			&order.TotalAmount,
			&order.OrderDate,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
			&order.Deal.ID,
			&order.Deal.OrderID,
			&order.Deal.Type,
			&order.Deal.Status,
			&order.Deal.Address.City,
			&order.Deal.Address.Street,
			&order.Deal.Address.Zipcode,
			&order.Deal.CreatedAt,
			&order.Deal.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListMyOrdersCursor pages through a buyer's orders newest-first using a
// (order_date, id) keyset cursor. An empty cursor starts from the newest
// order with no keyset predicate applied.
func ListMyOrdersCursor(ctx context.Context, db *sql.DB, memberID int64, cursor string, limit int) (*CursorPage, error) {
	query := `
		SELECT id, member_id, order_number, status, total_amount, order_date, created_at, updated_at, version
		FROM orders
		WHERE member_id = $1`
	args := []interface{}{memberID}

	if cursor != "" {
		cursorData, err := DecodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		query += ` AND (order_date, id) < ($2, $3)`
		args = append(args, cursorData.OrderDate, cursorData.ID)
	}

	query += fmt.Sprintf(` ORDER BY order_date DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list my orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		err := rows.Scan(
			&order.ID,
			&order.MemberID,
			&order.OrderNumber,
			&order.Status,
			&order.TotalAmount,
			&order.OrderDate,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			OrderDate: last.OrderDate,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ClaimNextWaitingDeal hands the oldest still-waiting order to exactly
// one caller: SKIP LOCKED lets concurrent settlement workers each claim
// a different order without queueing on each other.
func ClaimNextWaitingDeal(ctx context.Context, tx *sql.Tx) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT o.id, o.member_id, o.order_number, o.status, o.total_amount, o.order_date, o.created_at, o.updated_at, o.version
		FROM orders o
		JOIN deals d ON d.order_id = o.id
		WHERE o.status = $1 AND d.status = $2
		ORDER BY o.order_date
		FOR UPDATE OF o SKIP LOCKED
		LIMIT 1`

	err := tx.QueryRowContext(ctx, query, models.OrderStatusOrdered, models.DealStatusWaiting).Scan(
		&order.ID,
		&order.MemberID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.OrderDate,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("claim next waiting deal: %w", err)
	}

	return order, nil
}
