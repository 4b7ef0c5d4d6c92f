package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mybook/mymarket/internal/database"
	"github.com/mybook/mymarket/internal/models"
)

type ItemInput struct {
	Name       string
	Author     string
	Descriptor string
	Price      decimal.Decimal
}

// RegisterListing creates a listing for (seller, item) or merges into an
// existing one: re-registering the same item name under the same seller
// is a restock, not a second listing. Returns the listing id either way.
//
// A merge does not resurrect a cancelled listing; reactivation is
// reserved for order reversal.
func RegisterListing(ctx context.Context, db *sql.DB, sellerID int64, item ItemInput, categoryTag string, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, database.ErrInsufficientStock
	}

	category := models.ParseItemCategory(categoryTag)

	var listingID int64

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM members WHERE id = $1)",
			sellerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check seller exists: %w", err)
		}
		if !exists {
			return database.ErrMemberNotFound
		}

		// Same seller, same item name: lock the row and restock.
		var itemID int64
		err = tx.QueryRowContext(ctx,
			`SELECT i.id, i.listing_id
			 FROM items i
			 JOIN listings l ON l.id = i.listing_id
			 WHERE l.member_id = $1 AND i.name = $2
			 FOR UPDATE OF i`,
			sellerID, item.Name).Scan(&itemID, &listingID)
		if err == nil {
			if _, _, err := IncreaseStock(ctx, tx, itemID, quantity); err != nil {
				return err
			}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("find item by seller and name: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO listings (member_id, status, register_date, created_at, updated_at, version)
			 VALUES ($1, $2, NOW(), NOW(), NOW(), 1)
			 RETURNING id`,
			sellerID, models.ListingStatusListed).Scan(&listingID)
		if err != nil {
			return fmt.Errorf("create listing: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (listing_id, name, author, category, descriptor, price, stock_quantity, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)`,
			listingID, item.Name, item.Author, category, item.Descriptor, item.Price, quantity)
		if err != nil {
			return fmt.Errorf("create item: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return listingID, nil
}

// IncreaseStock adds quantity to an item's stock. Callers are trusted to
// pass a positive quantity. Returns the new stock and the owning listing.
func IncreaseStock(ctx context.Context, tx *sql.Tx, itemID int64, quantity int) (int, int64, error) {
	var stock int
	var listingID int64

	err := tx.QueryRowContext(ctx,
		`UPDATE items
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW()
		 WHERE id = $2
		 RETURNING stock_quantity, listing_id`,
		quantity, itemID).Scan(&stock, &listingID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, database.ErrItemNotFound
		}
		return 0, 0, fmt.Errorf("increase stock: %w", err)
	}

	return stock, listingID, nil
}

// DecreaseStock removes quantity from an item's stock. The update is
// conditional on enough stock being present, so two concurrent orders
// cannot both pass the check; a shortfall leaves the row untouched and
// fails with ErrInsufficientStock. A decrement that lands exactly on
// zero cancels the owning listing in the same transaction.
func DecreaseStock(ctx context.Context, tx *sql.Tx, itemID int64, quantity int) (int, error) {
	var stock int
	var listingID int64

	err := tx.QueryRowContext(ctx,
		`UPDATE items
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1
		 RETURNING stock_quantity, listing_id`,
		quantity, itemID).Scan(&stock, &listingID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Missing row and shortfall look the same here; callers
			// resolve the item before decrementing.
			return 0, database.ErrInsufficientStock
		}
		return 0, fmt.Errorf("decrease stock: %w", err)
	}

	if stock == 0 {
		if err := setListingStatus(ctx, tx, listingID, models.ListingStatusCancelled); err != nil {
			return 0, err
		}
	}

	return stock, nil
}

// CancelAllStock zeroes an item's stock, decrementing exactly what is
// there. Used by explicit listing cancellation.
func CancelAllStock(ctx context.Context, tx *sql.Tx, itemID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE items
		 SET stock_quantity = 0,
		     updated_at = NOW()
		 WHERE id = $1`,
		itemID)
	if err != nil {
		return fmt.Errorf("cancel stock: %w", err)
	}
	return nil
}

// LockItem loads an item row under FOR UPDATE, serializing all stock
// movement against it for the rest of the transaction.
func LockItem(ctx context.Context, tx *sql.Tx, itemID int64) (*models.Item, error) {
	return lockItem(ctx, tx, itemID, "")
}

// LockItemNoWait is LockItem without queueing: if another transaction
// holds the row, fail immediately with ErrLockTimeout.
func LockItemNoWait(ctx context.Context, tx *sql.Tx, itemID int64) (*models.Item, error) {
	return lockItem(ctx, tx, itemID, " NOWAIT")
}

func lockItem(ctx context.Context, tx *sql.Tx, itemID int64, lockSuffix string) (*models.Item, error) {
	item := &models.Item{}

	query := `
		SELECT id, listing_id, name, author, category, descriptor, price, stock_quantity, created_at, updated_at, version
		FROM items
		WHERE id = $1
		FOR UPDATE` + lockSuffix

	err := tx.QueryRowContext(ctx, query, itemID).Scan(
		&item.ID,
		&item.ListingID,
		&item.Name,
		&item.Author,
		&item.Category,
		&item.Descriptor,
		&item.Price,
		&item.StockQuantity,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Version,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		if err == sql.ErrNoRows {
			return nil, database.ErrItemNotFound
		}
		return nil, fmt.Errorf("lock item: %w", err)
	}

	return item, nil
}

func setListingStatus(ctx context.Context, tx *sql.Tx, listingID int64, status string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE listings
		 SET status = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2`,
		status, listingID)
	if err != nil {
		return fmt.Errorf("set listing status: %w", err)
	}
	return nil
}

// CancelListing is the seller-initiated transition LISTED -> CANCELLED.
// The item's remaining stock is forced to zero; a listing that is
// already cancelled cannot be cancelled again.
func CancelListing(ctx context.Context, db *sql.DB, listingID int64) error {
	return database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var status string
		var itemID int64

		err := tx.QueryRowContext(ctx,
			`SELECT l.status, i.id
			 FROM listings l
			 JOIN items i ON i.listing_id = l.id
			 WHERE l.id = $1
			 FOR UPDATE`,
			listingID).Scan(&status, &itemID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrListingNotFound
			}
			return fmt.Errorf("lock listing: %w", err)
		}

		if status == models.ListingStatusCancelled {
			return database.ErrListingCancelled
		}

		if err := setListingStatus(ctx, tx, listingID, models.ListingStatusCancelled); err != nil {
			return err
		}

		return CancelAllStock(ctx, tx, itemID)
	})
}

// RefreshListingStatus re-derives a listing's status from an externally
// supplied stock count: zero cancels, positive (re)lists, negative is
// rejected. Used after a direct item rewrite.
func RefreshListingStatus(ctx context.Context, db *sql.DB, itemID int64, count int) error {
	if count < 0 {
		return database.ErrInsufficientStock
	}

	status := models.ListingStatusListed
	if count == 0 {
		status = models.ListingStatusCancelled
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var listingID int64
		err := tx.QueryRowContext(ctx,
			"SELECT listing_id FROM items WHERE id = $1 FOR UPDATE",
			itemID).Scan(&listingID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrItemNotFound
			}
			return fmt.Errorf("find listing by item: %w", err)
		}

		return setListingStatus(ctx, tx, listingID, status)
	})
}

// UpdateItem rewrites an item's mutable fields. Listing status is not
// touched here; callers follow up with RefreshListingStatus when the
// stock rewrite should re-derive it.
func UpdateItem(ctx context.Context, db *sql.DB, itemID int64, name string, price decimal.Decimal, stockQuantity int) error {
	if stockQuantity < 0 {
		return database.ErrInsufficientStock
	}

	result, err := db.ExecContext(ctx,
		`UPDATE items
		 SET name = $1, price = $2, stock_quantity = $3,
		     updated_at = NOW(), version = version + 1
		 WHERE id = $4`,
		name, price, stockQuantity, itemID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrItemNotFound
	}

	return nil
}

const listingSelect = `
	SELECT l.id, l.member_id, m.nickname, l.status, l.register_date, l.created_at, l.updated_at, l.version,
	       i.id, i.listing_id, i.name, i.author, i.category, i.descriptor, i.price, i.stock_quantity, i.created_at, i.updated_at, i.version
	FROM listings l
	JOIN members m ON m.id = l.member_id
	JOIN items i ON i.listing_id = l.id`

func scanListing(row interface{ Scan(...interface{}) error }) (*models.Listing, error) {
	listing := &models.Listing{Item: &models.Item{}}

	err := row.Scan(
		&listing.ID,
		&listing.MemberID,
		&listing.SellerNickname,
		&listing.Status,
		&listing.RegisterDate,
		&listing.CreatedAt,
		&listing.UpdatedAt,
		&listing.Version,
		&listing.Item.ID,
		&listing.Item.ListingID,
		&listing.Item.Name,
		&listing.Item.Author,
		&listing.Item.Category,
		&listing.Item.Descriptor,
		&listing.Item.Price,
		&listing.Item.StockQuantity,
		&listing.Item.CreatedAt,
		&listing.Item.UpdatedAt,
		&listing.Item.Version,
	)
	if err != nil {
		return nil, err
	}

	return listing, nil
}

func GetListing(ctx context.Context, db *sql.DB, id int64) (*models.Listing, error) {
	listing, err := scanListing(db.QueryRowContext(ctx, listingSelect+" WHERE l.id = $1", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return listing, nil
}

// ListListings pages through all listings newest-first.
func ListListings(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}

	offset := (page - 1) * pageSize
	query := listingSelect + `
		ORDER BY l.register_date DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *listing)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(listings, total, page, pageSize), nil
}

type ListingSearch struct {
	Nickname string
	ItemName string
	Status   string
}

// SearchListings filters by seller nickname, item name, and listing
// status; empty criteria match everything. Capped at 1000 rows.
func SearchListings(ctx context.Context, db *sql.DB, search ListingSearch) ([]models.Listing, error) {
	var conditions []string
	var args []interface{}

	if search.Nickname != "" {
		args = append(args, search.Nickname)
		conditions = append(conditions, fmt.Sprintf("m.nickname = $%d", len(args)))
	}
	if search.ItemName != "" {
		args = append(args, "%"+search.ItemName+"%")
		conditions = append(conditions, fmt.Sprintf("i.name LIKE $%d", len(args)))
	}
	if search.Status != "" {
		args = append(args, search.Status)
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", len(args)))
	}

	query := listingSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY l.register_date DESC LIMIT 1000"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *listing)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return listings, nil
}

func ListMyListings(ctx context.Context, db *sql.DB, memberID int64) ([]models.Listing, error) {
	rows, err := db.QueryContext(ctx,
		listingSelect+" WHERE l.member_id = $1 ORDER BY l.register_date DESC", memberID)
	if err != nil {
		return nil, fmt.Errorf("list my listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *listing)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return listings, nil
}
