// Opens the inventory tables and provides the operations spanning them.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/maruel/pagedb/internal/pagedb"
)

// Store is the inventory and billing database.
type Store struct {
	Categories *pagedb.Table[*Category]
	Products   *pagedb.Table[*Product]
	Movements  *pagedb.Table[*StockMovement]
	Customers  *pagedb.Table[*Customer]
	Invoices   *pagedb.Table[*Invoice]

	db     *pagedb.DB
	logger *slog.Logger
	mu     sync.Mutex // serializes operations that check stock before writing
}

// OpenStore opens the tables in cfg.DataDir, creating the missing ones.
func OpenStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pagedb.Open(cfg.DataDir, cfg.Options(logger))
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger}
	if err := s.register(ctx, cfg); err != nil {
		return nil, errors.Join(err, db.Close(ctx))
	}
	logger.InfoContext(ctx, "Opened store", "dir", cfg.DataDir, "tables", len(db.Tables()))
	return s, nil
}

// register opens the tables, referenced ones first.
func (s *Store) register(ctx context.Context, cfg *Config) error {
	var err error
	if s.Categories, err = pagedb.Register(ctx, s.db, categorySchema()); err != nil {
		return err
	}
	ps, err := productSchema(cfg)
	if err != nil {
		return err
	}
	if s.Products, err = pagedb.Register(ctx, s.db, ps); err != nil {
		return err
	}
	ms, err := movementSchema(cfg, s.Products)
	if err != nil {
		return err
	}
	if s.Movements, err = pagedb.Register(ctx, s.db, ms); err != nil {
		return err
	}
	if s.Customers, err = pagedb.Register(ctx, s.db, customerSchema()); err != nil {
		return err
	}
	s.Invoices, err = pagedb.Register(ctx, s.db, invoiceSchema(s))
	return err
}

// Close flushes and closes every table.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

// Flush writes the pending lazy changes.
func (s *Store) Flush(ctx context.Context) error {
	return s.db.Flush(ctx)
}

// Compact rewrites every table file in its configured format.
func (s *Store) Compact(ctx context.Context) error {
	return s.db.Compact(ctx)
}

// Stats returns the statistics of every table.
func (s *Store) Stats() []pagedb.TableStats {
	return s.db.Stats()
}

// Tables returns the qualified table names.
func (s *Store) Tables() []string {
	return s.db.Tables()
}

// AddProduct stores a new product in a category.
func (s *Store) AddProduct(ctx context.Context, categoryID int64, sku, description string, price int64) (*Product, error) {
	if sku == "" {
		return nil, errors.New("sku is required")
	}
	if price < 0 {
		return nil, errors.New("price must be non-negative")
	}
	p := &Product{CategoryID: categoryID, SKU: sku, Description: description, Price: price}
	if err := s.Products.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to add product %s: %w", sku, err)
	}
	return p, nil
}

// ReceiveStock records quantity units of a product entering the stock.
func (s *Store) ReceiveStock(ctx context.Context, productID, quantity int64, note string) (*StockMovement, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &StockMovement{ProductID: productID, Quantity: quantity, Note: note}
	if err := s.Movements.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to receive stock: %w", err)
	}
	return m, nil
}

// CreateInvoice bills lines to a customer, zero for an anonymous sale, and
// removes the billed quantities from the stock. Lines without a unit price
// use the product's price.
func (s *Store) CreateInvoice(ctx context.Context, customerRef int64, lines ...InvoiceLine) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[int64]int64{}
	for i := range lines {
		l := &lines[i]
		if l.Quantity <= 0 {
			return nil, &pagedb.InvalidDataRowError{RowType: "InvoiceLine", Field: "Quantity", Reason: fmt.Sprintf("line %d: must be positive", i+1)}
		}
		p, err := s.Products.Get(ctx, l.ProductID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if l.UnitPrice == 0 {
			l.UnitPrice = p.Price
		}
		want[p.ID] += l.Quantity
		if p.Stock < want[p.ID] {
			return nil, &pagedb.InvalidDataRowError{
				RowType: "InvoiceLine",
				Field:   "Quantity",
				Reason:  fmt.Sprintf("line %d: %s has %d units, %d requested", i+1, p.SKU, p.Stock, want[p.ID]),
			}
		}
	}
	inv := NewInvoice(customerRef, lines...)
	if err := s.Invoices.Insert(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	movements := make([]*StockMovement, 0, len(lines))
	for _, l := range lines {
		movements = append(movements, &StockMovement{
			ProductID: l.ProductID,
			Quantity:  -l.Quantity,
			Note:      fmt.Sprintf("invoice %d", inv.Number),
		})
	}
	if err := s.Movements.Insert(ctx, movements...); err != nil {
		return inv, fmt.Errorf("invoice %d stored but stock not updated: %w", inv.Number, err)
	}
	s.logger.InfoContext(ctx, "Created invoice", "number", inv.Number, "total", inv.Total, "customer", customerRef)
	return inv, nil
}

// Dump writes the rows of the named table as JSON lines.
func (s *Store) Dump(ctx context.Context, table string, w io.Writer) error {
	switch table {
	case CategoriesTable:
		return dump(ctx, s.Categories, w)
	case ProductsTable:
		return dump(ctx, s.Products, w)
	case MovementsTable:
		return dump(ctx, s.Movements, w)
	case CustomersTable:
		return dump(ctx, s.Customers, w)
	case InvoicesTable:
		return dump(ctx, s.Invoices, w)
	default:
		return fmt.Errorf("unknown table %q: %w", table, pagedb.ErrNotFound)
	}
}

func dump[T pagedb.Row[T]](ctx context.Context, t *pagedb.Table[T], w io.Writer) error {
	rows, err := t.Select(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode %s row %d: %w", t.Name(), row.GetID(), err)
		}
	}
	return nil
}
