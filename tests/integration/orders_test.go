package integration

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mybook/mymarket/internal/database"
	"github.com/mybook/mymarket/internal/models"
	"github.com/mybook/mymarket/internal/store"
)

// The end-to-end direct-deal scenario: order part of the stock, then
// reverse it.
func TestPlaceOrderDirectAndCancel(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "bookseller", "Seoul")
	buyer := joinTestMember(t, db, "reader", "Busan")
	listing := registerTestListing(t, db, seller.ID, "JPA", 20000, 10)

	order, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID:   buyer.ID,
		ListingID: listing.ID,
		Count:     5,
		DealType:  models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if order.Status != models.OrderStatusOrdered {
		t.Errorf("Expected order status ORDERED, got %s", order.Status)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected total 100000, got %s", order.TotalAmount)
	}
	if order.Deal.Status != models.DealStatusWaiting {
		t.Errorf("Expected deal status WAITING, got %s", order.Deal.Status)
	}
	if order.Deal.Type != models.DealTypeDirect {
		t.Errorf("Expected deal type DIRECT, got %s", order.Deal.Type)
	}
	// Direct hand-off happens at the seller's address.
	if order.Deal.Address != seller.Address {
		t.Errorf("Expected seller address %+v, got %+v", seller.Address, order.Deal.Address)
	}

	after, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if after.Item.StockQuantity != 5 {
		t.Errorf("Expected stock 5, got %d", after.Item.StockQuantity)
	}
	if after.Status != models.ListingStatusListed {
		t.Errorf("Expected listing still LISTED, got %s", after.Status)
	}

	if err := store.CancelOrder(ctx, db, order.ID); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	cancelled, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Errorf("Expected order CANCELLED, got %s", cancelled.Status)
	}

	restored, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if restored.Item.StockQuantity != 10 {
		t.Errorf("Expected stock back to 10, got %d", restored.Item.StockQuantity)
	}
	if restored.Status != models.ListingStatusListed {
		t.Errorf("Expected listing LISTED, got %s", restored.Status)
	}
}

func TestPlaceOrderDeliveryUsesBuyerAddress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "shipper", "Seoul")
	buyer := joinTestMember(t, db, "receiver", "Busan")
	listing := registerTestListing(t, db, seller.ID, "JPA", 20000, 10)

	order, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID:   buyer.ID,
		ListingID: listing.ID,
		Count:     1,
		DealType:  models.DealTypeDelivery,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if order.Deal.Type != models.DealTypeDelivery {
		t.Errorf("Expected deal type DELIVERY, got %s", order.Deal.Type)
	}
	if order.Deal.Address != buyer.Address {
		t.Errorf("Expected buyer address %+v, got %+v", buyer.Address, order.Deal.Address)
	}
}

// Ordering the entire stock cancels the listing; reversing the order
// brings it back.
func TestExhaustedListingAutoCancelAndReactivation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "wholesaler", "Seoul")
	buyer := joinTestMember(t, db, "bulkbuyer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "JPA", 20000, 10)

	order, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID:   buyer.ID,
		ListingID: listing.ID,
		Count:     10,
		DealType:  models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	soldOut, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if soldOut.Item.StockQuantity != 0 {
		t.Errorf("Expected stock 0, got %d", soldOut.Item.StockQuantity)
	}
	if soldOut.Status != models.ListingStatusCancelled {
		t.Errorf("Expected listing CANCELLED at zero stock, got %s", soldOut.Status)
	}

	if err := store.CancelOrder(ctx, db, order.ID); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	reactivated, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if reactivated.Item.StockQuantity != 10 {
		t.Errorf("Expected stock 10, got %d", reactivated.Item.StockQuantity)
	}
	if reactivated.Status != models.ListingStatusListed {
		t.Errorf("Expected listing reactivated to LISTED, got %s", reactivated.Status)
	}
}

// A failed placement leaves nothing behind: no order, no order item, no
// deal, and unchanged stock.
func TestPlaceOrderInsufficientStockAtomicity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "scarce", "Seoul")
	buyer := joinTestMember(t, db, "greedy", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Algorithms", 30000, 10)

	_, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID:   buyer.ID,
		ListingID: listing.ID,
		Count:     11,
		DealType:  models.DealTypeDirect,
	})
	if err != database.ErrInsufficientStock {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}

	after, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if after.Item.StockQuantity != 10 {
		t.Errorf("Expected stock unchanged at 10, got %d", after.Item.StockQuantity)
	}

	for _, table := range []string{"orders", "order_items", "deals"} {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("Count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("Expected no rows in %s, got %d", table, count)
		}
	}
}

func TestPlaceOrderNonPositiveCount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "seller-np", "Seoul")
	buyer := joinTestMember(t, db, "buyer-np", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Zero Book", 1000, 5)

	for _, count := range []int{0, -3} {
		_, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
			BuyerID:   buyer.ID,
			ListingID: listing.ID,
			Count:     count,
			DealType:  models.DealTypeDirect,
		})
		if err != database.ErrInsufficientStock {
			t.Errorf("count %d: expected insufficient stock, got: %v", count, err)
		}
	}
}

// The captured unit price is frozen at order time.
func TestOrderPriceFreeze(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "pricer", "Seoul")
	buyer := joinTestMember(t, db, "payer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "JPA", 20000, 10)

	order, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID:   buyer.ID,
		ListingID: listing.ID,
		Count:     2,
		DealType:  models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if err := store.UpdateItem(ctx, db, listing.Item.ID, "JPA", decimal.NewFromInt(99000), 8); err != nil {
		t.Fatalf("Update item: %v", err)
	}

	reread, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if !reread.TotalAmount.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("Expected frozen total 40000, got %s", reread.TotalAmount)
	}
	if !reread.Items[0].UnitPrice.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("Expected frozen unit price 20000, got %s", reread.Items[0].UnitPrice)
	}
}

func TestCancelAndCompleteGuards(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "guardseller", "Seoul")
	buyer := joinTestMember(t, db, "guardbuyer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Guarded Book", 5000, 10)

	completed, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if err := store.CompleteDeal(ctx, db, completed.ID); err != nil {
		t.Fatalf("Complete deal: %v", err)
	}

	// A completed deal pins its order: no cancel, no double complete.
	if err := store.CancelOrder(ctx, db, completed.ID); err != database.ErrDealCompleted {
		t.Errorf("Expected deal completed error on cancel, got: %v", err)
	}
	if err := store.CompleteDeal(ctx, db, completed.ID); err != database.ErrDealCompleted {
		t.Errorf("Expected deal completed error on re-complete, got: %v", err)
	}

	cancelledOrder, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if err := store.CancelOrder(ctx, db, cancelledOrder.ID); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	// A cancelled order is terminal: no re-cancel, no completion.
	if err := store.CancelOrder(ctx, db, cancelledOrder.ID); err != database.ErrOrderAlreadyCancelled {
		t.Errorf("Expected already cancelled error on re-cancel, got: %v", err)
	}
	if err := store.CompleteDeal(ctx, db, cancelledOrder.ID); err != database.ErrOrderAlreadyCancelled {
		t.Errorf("Expected already cancelled error on complete, got: %v", err)
	}
}

func TestConcurrentOrdersNeverOverdraw(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "contested", "Seoul")
	buyer := joinTestMember(t, db, "swarm", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Hot Item", 10000, 10)

	concurrency := 10
	perOrder := 3

	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
				BuyerID:   buyer.ID,
				ListingID: listing.ID,
				Count:     perOrder,
				DealType:  models.DealTypeDirect,
			})
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
		}
	}

	if successCount == 0 {
		t.Error("Expected at least one order to succeed")
	}
	if successCount > 3 {
		t.Errorf("At most 3 orders of 3 fit in stock 10, got %d successes", successCount)
	}

	after, err := store.GetListing(ctx, db, listing.ID)
	if err != nil {
		t.Fatalf("Get listing: %v", err)
	}
	if after.Item.StockQuantity < 0 {
		t.Errorf("Stock went negative: %d", after.Item.StockQuantity)
	}
	if after.Item.StockQuantity != 10-successCount*perOrder {
		t.Errorf("Expected stock %d, got %d", 10-successCount*perOrder, after.Item.StockQuantity)
	}

	var orderCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if orderCount != successCount {
		t.Errorf("Expected %d persisted orders, got %d", successCount, orderCount)
	}
}

func TestSearchOrders(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "vendor", "Seoul")
	buyer := joinTestMember(t, db, "shopper", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Search Me", 1500, 10)

	first, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	second, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 2, DealType: models.DealTypeDelivery,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if err := store.CompleteDeal(ctx, db, first.ID); err != nil {
		t.Fatalf("Complete deal: %v", err)
	}
	if err := store.CancelOrder(ctx, db, second.ID); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	completed, err := store.SearchOrders(ctx, db, store.OrderSearch{
		Nickname:   "shopper",
		DealStatus: models.DealStatusCompleted,
	})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != first.ID {
		t.Errorf("Expected exactly the completed order, got %d results", len(completed))
	}

	cancelled, err := store.SearchOrders(ctx, db, store.OrderSearch{
		OrderStatus: models.OrderStatusCancelled,
	})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != second.ID {
		t.Errorf("Expected exactly the cancelled order, got %d results", len(cancelled))
	}

	all, err := store.SearchOrders(ctx, db, store.OrderSearch{})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 orders, got %d", len(all))
	}
}

func TestListMyOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "pageseller", "Seoul")
	buyer := joinTestMember(t, db, "pagebuyer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Paged Book", 1000, 100)

	for i := 0; i < 5; i++ {
		if _, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
			BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
		}); err != nil {
			t.Fatalf("Place order %d: %v", i, err)
		}
	}

	seen := 0
	cursor := ""
	pages := 0
	for {
		page, err := store.ListMyOrdersCursor(ctx, db, buyer.ID, cursor, 2)
		if err != nil {
			t.Fatalf("List my orders: %v", err)
		}

		orders, ok := page.Items.([]models.Order)
		if !ok {
			t.Fatalf("Unexpected items type %T", page.Items)
		}
		seen += len(orders)
		pages++

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if seen != 5 {
		t.Errorf("Expected 5 orders across pages, got %d", seen)
	}
	if pages != 3 {
		t.Errorf("Expected 3 pages of size 2, got %d", pages)
	}
}

func TestListMyOrdersCursorFutureOrderDate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "skewseller", "Seoul")
	buyer := joinTestMember(t, db, "skewbuyer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Skewed Book", 1000, 10)

	placed, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	// Simulate the database clock running ahead of this process.
	if _, err := db.ExecContext(ctx,
		`UPDATE orders SET order_date = NOW() + interval '1 hour' WHERE id = $1`,
		placed.ID,
	); err != nil {
		t.Fatalf("Advance order date: %v", err)
	}

	page, err := store.ListMyOrdersCursor(ctx, db, buyer.ID, "", 10)
	if err != nil {
		t.Fatalf("List my orders: %v", err)
	}

	orders, ok := page.Items.([]models.Order)
	if !ok {
		t.Fatalf("Unexpected items type %T", page.Items)
	}
	if len(orders) != 1 {
		t.Fatalf("Expected the order on the first page, got %d orders", len(orders))
	}
	if orders[0].ID != placed.ID {
		t.Errorf("Expected order %d, got %d", placed.ID, orders[0].ID)
	}
}

func TestClaimNextWaitingDeal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	seller := joinTestMember(t, db, "dealseller", "Seoul")
	buyer := joinTestMember(t, db, "dealbuyer", "Busan")
	listing := registerTestListing(t, db, seller.ID, "Claimable", 2000, 10)

	first, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	second, err := store.PlaceOrder(ctx, db, store.PlaceOrderRequest{
		BuyerID: buyer.ID, ListingID: listing.ID, Count: 1, DealType: models.DealTypeDirect,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	tx1, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		t.Fatalf("Begin tx1: %v", err)
	}
	defer tx1.Rollback()

	claimed1, err := store.ClaimNextWaitingDeal(ctx, tx1)
	if err != nil {
		t.Fatalf("Claim in tx1: %v", err)
	}
	if claimed1.ID != first.ID {
		t.Errorf("Expected oldest order %d first, got %d", first.ID, claimed1.ID)
	}

	// A second worker skips the locked row and gets the next order.
	tx2, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		t.Fatalf("Begin tx2: %v", err)
	}
	defer tx2.Rollback()

	claimed2, err := store.ClaimNextWaitingDeal(ctx, tx2)
	if err != nil {
		t.Fatalf("Claim in tx2: %v", err)
	}
	if claimed2.ID != second.ID {
		t.Errorf("Expected second order %d, got %d", second.ID, claimed2.ID)
	}
}
