// Table schemas and business rules of the inventory store.

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maruel/pagedb/internal/pagedb"
)

// Qualified table names.
const (
	CategoriesTable = "inventory/categories"
	ProductsTable   = "inventory/products"
	MovementsTable  = "inventory/movements"
	CustomersTable  = "billing/customers"
	InvoicesTable   = "billing/invoices"
)

// categoryVersion is bumped when the seed content changes.
const categoryVersion = 2

func categorySchema() pagedb.Schema[*Category] {
	return pagedb.Schema[*Category]{
		Domain:  "inventory",
		Name:    "categories",
		Version: categoryVersion,
		Caching: pagedb.CacheMemory,
		Write:   pagedb.WriteForced,
		Format:  pagedb.FormatFlat,
		Codec:   categoryCodec,
		Properties: map[string]func(*Category) any{
			"Name": func(c *Category) any { return c.Name },
		},
		UniqueIndexes: []pagedb.UniqueIndex[*Category]{
			{Name: "Name", Key: func(c *Category) any { return c.Name }},
		},
		Seed: func(version int) (pagedb.Seed[*Category], bool, error) {
			rows := []*Category{NewCategory("General", "default")}
			if version >= 2 {
				rows = append(rows, NewCategory("Services", "billable"))
			}
			return pagedb.Seed[*Category]{Rows: rows}, true, nil
		},
	}
}

func productSchema(cfg *Config) (pagedb.Schema[*Product], error) {
	compression, err := cfg.compression()
	if err != nil {
		return pagedb.Schema[*Product]{}, err
	}
	return pagedb.Schema[*Product]{
		Domain:      "inventory",
		Name:        "products",
		Version:     1,
		Compression: compression,
		Caching:     pagedb.CacheMemory,
		Write:       pagedb.WriteForced,
		PageSize:    cfg.PageSize,
		Format:      pagedb.FormatPaged,
		Codec:       productCodec,
		Properties: map[string]func(*Product) any{
			"SKU": func(p *Product) any { return p.SKU },
		},
		ForeignKeys: []pagedb.ForeignKey[*Product]{
			{Field: "CategoryID", Table: CategoriesTable, Value: func(p *Product) any { return p.CategoryID }},
		},
		UniqueIndexes: []pagedb.UniqueIndex[*Product]{
			{Name: "SKU", Key: func(p *Product) any { return p.SKU }},
			{Name: "Description", Key: func(p *Product) any { return optional(p.Description) }},
		},
		Triggers: []pagedb.Trigger[*Product]{productStockGuard()},
	}, nil
}

// productStockGuard forbids deleting products that are still in stock.
func productStockGuard() pagedb.Trigger[*Product] {
	return &pagedb.TriggerFuncs[*Product]{
		OnBeforeDelete: func(_ context.Context, rows []*Product) (bool, error) {
			for _, p := range rows {
				if p.Stock > 0 {
					return false, &pagedb.InvalidDataRowError{
						RowType: "Product",
						Field:   "Stock",
						Reason:  fmt.Sprintf("%s still has %d units in stock", p.SKU, p.Stock),
					}
				}
			}
			return true, nil
		},
	}
}

func movementSchema(cfg *Config, products *pagedb.Table[*Product]) (pagedb.Schema[*StockMovement], error) {
	s := pagedb.Schema[*StockMovement]{
		Domain:  "inventory",
		Name:    "movements",
		Version: 1,
		Caching: pagedb.CacheSlidingMemory,
		Write:   pagedb.WriteLazy,
		Codec:   movementCodec,
		ForeignKeys: []pagedb.ForeignKey[*StockMovement]{
			{Field: "ProductID", Table: ProductsTable, Value: func(m *StockMovement) any { return m.ProductID }},
		},
		Triggers: []pagedb.Trigger[*StockMovement]{stockSync(products)},
	}
	if err := s.SetSlidingTimeout(time.Duration(cfg.SlidingTimeout)); err != nil {
		return s, err
	}
	return s, nil
}

// stockSync rejects movements that would bring a product's stock below zero
// and applies accepted movements to the product.
func stockSync(products *pagedb.Table[*Product]) pagedb.Trigger[*StockMovement] {
	deltas := func(rows []*StockMovement) map[int64]int64 {
		out := map[int64]int64{}
		for _, m := range rows {
			out[m.ProductID] += m.Quantity
		}
		return out
	}
	return &pagedb.TriggerFuncs[*StockMovement]{
		OnBeforeInsert: func(ctx context.Context, rows []*StockMovement) (bool, error) {
			now := time.Now().UTC()
			for _, m := range rows {
				if m.Quantity == 0 {
					return false, &pagedb.InvalidDataRowError{RowType: "StockMovement", Field: "Quantity", Reason: "must not be zero"}
				}
				if m.Created.IsZero() {
					m.Created = now
				}
			}
			for id, delta := range deltas(rows) {
				p, err := products.Get(ctx, id)
				if err != nil {
					// The foreign key check reports missing products.
					continue
				}
				if p.Stock+delta < 0 {
					return false, &pagedb.InvalidDataRowError{
						RowType: "StockMovement",
						Field:   "Quantity",
						Reason:  fmt.Sprintf("%s has %d units, cannot remove %d", p.SKU, p.Stock, -delta),
					}
				}
			}
			return true, nil
		},
		OnAfterInsert: func(ctx context.Context, rows []*StockMovement) error {
			for id, delta := range deltas(rows) {
				p, err := products.Get(ctx, id)
				if err != nil {
					return err
				}
				p.SetStock(p.Stock + delta)
				if err := products.Update(ctx, p); err != nil {
					return err
				}
			}
			return nil
		},
		OnBeforeDelete: func(context.Context, []*StockMovement) (bool, error) {
			return false, &pagedb.InvalidDataRowError{RowType: "StockMovement", Field: "Id", Reason: "stock history cannot be deleted"}
		},
	}
}

func customerSchema() pagedb.Schema[*Customer] {
	return pagedb.Schema[*Customer]{
		Domain:  "billing",
		Name:    "customers",
		Version: 1,
		Caching: pagedb.CacheNone,
		Write:   pagedb.WriteForced,
		Codec:   customerCodec,
		Properties: map[string]func(*Customer) any{
			"Email": func(c *Customer) any { return normalizeEmail(c.Email) },
		},
		UniqueIndexes: []pagedb.UniqueIndex[*Customer]{
			{Name: "Email", Key: func(c *Customer) any { return optional(normalizeEmail(c.Email)) }},
		},
	}
}

func invoiceSchema(s *Store) pagedb.Schema[*Invoice] {
	return pagedb.Schema[*Invoice]{
		Domain:      "billing",
		Name:        "invoices",
		Version:     1,
		Compression: pagedb.CompressionBrotli,
		Caching:     pagedb.CacheMemory,
		Write:       pagedb.WriteForced,
		Codec:       invoiceCodec,
		ForeignKeys: []pagedb.ForeignKey[*Invoice]{
			{Field: "CustomerRef", Table: CustomersTable, AllowDefault: true, Value: func(inv *Invoice) any { return inv.CustomerRef }},
		},
		UniqueIndexes: []pagedb.UniqueIndex[*Invoice]{
			{Name: "Number", Descending: true, Key: func(inv *Invoice) any {
				if inv.Number == 0 {
					return nil
				}
				return inv.Number
			}},
		},
		Triggers: []pagedb.Trigger[*Invoice]{invoiceRules(s)},
	}
}

// invoiceRules numbers new invoices and keeps stored ones immutable.
func invoiceRules(s *Store) pagedb.Trigger[*Invoice] {
	immutable := func(context.Context, []*Invoice) (bool, error) {
		return false, &pagedb.InvalidDataRowError{RowType: "Invoice", Field: "Number", Reason: "invoices are immutable"}
	}
	return &pagedb.TriggerFuncs[*Invoice]{
		OnBeforeInsert: func(ctx context.Context, rows []*Invoice) (bool, error) {
			now := time.Now().UTC()
			for _, inv := range rows {
				if inv.Lines.Len() == 0 {
					return false, &pagedb.InvalidDataRowError{RowType: "Invoice", Field: "Lines", Reason: "an invoice needs at least one line"}
				}
				if got := inv.computeTotal(); got != inv.Total {
					return false, &pagedb.InvalidDataRowError{RowType: "Invoice", Field: "Total", Reason: fmt.Sprintf("total %d does not match lines %d", inv.Total, got)}
				}
			}
			for _, inv := range rows {
				if inv.Number == 0 {
					n, err := s.Invoices.NextSecondarySequence(ctx)
					if err != nil {
						return false, err
					}
					inv.Number = n
				}
				if inv.Issued.IsZero() {
					inv.Issued = now
				}
			}
			return true, nil
		},
		OnBeforeUpdate: immutable,
		OnBeforeDelete: immutable,
	}
}

// optional maps the empty string to an unindexed key.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
