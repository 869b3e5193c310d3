// Row types of the inventory store and their binary codecs.

package storage

import (
	"time"

	"github.com/maruel/pagedb/internal/pagedb"
)

// Category groups products.
type Category struct {
	pagedb.Entity
	Name string                `json:"name"`
	Tags *pagedb.List[string] `json:"tags"`
}

// NewCategory returns an unsaved category.
func NewCategory(name string, tags ...string) *Category {
	c := &Category{Name: name}
	c.Tags = pagedb.NewList(&c.Entity, tags...)
	return c
}

// Clone returns a deep copy.
func (c *Category) Clone() *Category {
	n := *c
	n.Tags = c.Tags.CloneFor(&n.Entity)
	return &n
}

// SetName sets the category name.
func (c *Category) SetName(v string) { pagedb.Set(&c.Entity, &c.Name, v) }

var categoryCodec = pagedb.CodecFuncs[*Category]{
	Encode: func(w *pagedb.RecordWriter, c *Category) error {
		w.WriteString(c.Name)
		writeStrings(w, c.Tags)
		return nil
	},
	Decode: func(r *pagedb.RecordReader) (*Category, error) {
		c := &Category{Name: r.ReadString()}
		c.Tags = pagedb.NewList(&c.Entity, readStrings(r)...)
		return c, nil
	},
}

// Product is a stocked item. Prices are in cents.
type Product struct {
	pagedb.Entity
	CategoryID  int64  `json:"category_id"`
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int64  `json:"stock"`
}

// Clone returns a copy.
func (p *Product) Clone() *Product {
	n := *p
	return &n
}

// SetCategoryID sets the owning category.
func (p *Product) SetCategoryID(v int64) { pagedb.Set(&p.Entity, &p.CategoryID, v) }

// SetSKU sets the stock keeping unit.
func (p *Product) SetSKU(v string) { pagedb.Set(&p.Entity, &p.SKU, v) }

// SetDescription sets the description.
func (p *Product) SetDescription(v string) { pagedb.Set(&p.Entity, &p.Description, v) }

// SetPrice sets the unit price in cents.
func (p *Product) SetPrice(v int64) { pagedb.Set(&p.Entity, &p.Price, v) }

// SetStock sets the quantity on hand.
func (p *Product) SetStock(v int64) { pagedb.Set(&p.Entity, &p.Stock, v) }

var productCodec = pagedb.CodecFuncs[*Product]{
	Encode: func(w *pagedb.RecordWriter, p *Product) error {
		w.WriteInt64(p.CategoryID)
		w.WriteString(p.SKU)
		w.WriteString(p.Description)
		w.WriteInt64(p.Price)
		w.WriteInt64(p.Stock)
		return nil
	},
	Decode: func(r *pagedb.RecordReader) (*Product, error) {
		return &Product{
			CategoryID:  r.ReadInt64(),
			SKU:         r.ReadString(),
			Description: r.ReadString(),
			Price:       r.ReadInt64(),
			Stock:       r.ReadInt64(),
		}, nil
	},
}

// StockMovement records a change of a product's stock. Positive quantities
// are receptions, negative ones are shipments.
type StockMovement struct {
	pagedb.Entity
	ProductID int64     `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	Note      string    `json:"note,omitempty"`
	Created   time.Time `json:"created"`
}

// Clone returns a copy.
func (m *StockMovement) Clone() *StockMovement {
	n := *m
	return &n
}

// SetNote sets the free-form note. Quantities are immutable: the product
// stock was derived from them.
func (m *StockMovement) SetNote(v string) { pagedb.Set(&m.Entity, &m.Note, v) }

var movementCodec = pagedb.CodecFuncs[*StockMovement]{
	Encode: func(w *pagedb.RecordWriter, m *StockMovement) error {
		w.WriteInt64(m.ProductID)
		w.WriteInt64(m.Quantity)
		w.WriteString(m.Note)
		w.WriteTime(m.Created)
		return nil
	},
	Decode: func(r *pagedb.RecordReader) (*StockMovement, error) {
		return &StockMovement{
			ProductID: r.ReadInt64(),
			Quantity:  r.ReadInt64(),
			Note:      r.ReadString(),
			Created:   r.ReadTime(),
		}, nil
	},
}

// Customer is an invoiced party.
type Customer struct {
	pagedb.Entity
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Clone returns a copy.
func (c *Customer) Clone() *Customer {
	n := *c
	return &n
}

// SetName sets the customer name.
func (c *Customer) SetName(v string) { pagedb.Set(&c.Entity, &c.Name, v) }

// SetEmail sets the customer email.
func (c *Customer) SetEmail(v string) { pagedb.Set(&c.Entity, &c.Email, v) }

var customerCodec = pagedb.CodecFuncs[*Customer]{
	Encode: func(w *pagedb.RecordWriter, c *Customer) error {
		w.WriteString(c.Name)
		w.WriteString(c.Email)
		return nil
	},
	Decode: func(r *pagedb.RecordReader) (*Customer, error) {
		return &Customer{Name: r.ReadString(), Email: r.ReadString()}, nil
	},
}

// InvoiceLine is one billed product.
type InvoiceLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// Amount returns the line total in cents.
func (l InvoiceLine) Amount() int64 {
	return l.Quantity * l.UnitPrice
}

// Invoice is an immutable financial record once stored.
type Invoice struct {
	pagedb.Entity
	// Number is assigned from the table's secondary sequence on insert.
	Number int64 `json:"number"`
	// CustomerRef is zero for anonymous sales.
	CustomerRef int64                      `json:"customer_ref,omitempty"`
	Lines       *pagedb.List[InvoiceLine] `json:"lines"`
	Total       int64                      `json:"total"`
	Issued      time.Time                  `json:"issued"`
}

// NewInvoice returns an unsaved invoice with its total computed from lines.
func NewInvoice(customerRef int64, lines ...InvoiceLine) *Invoice {
	inv := &Invoice{CustomerRef: customerRef}
	inv.Lines = pagedb.NewList(&inv.Entity, lines...)
	inv.Total = inv.computeTotal()
	return inv
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	n := *inv
	n.Lines = inv.Lines.CloneFor(&n.Entity)
	return &n
}

func (inv *Invoice) computeTotal() int64 {
	var t int64
	for _, l := range inv.Lines.All() {
		t += l.Amount()
	}
	return t
}

var invoiceCodec = pagedb.CodecFuncs[*Invoice]{
	Encode: func(w *pagedb.RecordWriter, inv *Invoice) error {
		w.WriteInt64(inv.Number)
		w.WriteInt64(inv.CustomerRef)
		w.WriteLen(inv.Lines.Len())
		for _, l := range inv.Lines.All() {
			w.WriteInt64(l.ProductID)
			w.WriteInt64(l.Quantity)
			w.WriteInt64(l.UnitPrice)
		}
		w.WriteInt64(inv.Total)
		w.WriteTime(inv.Issued)
		return nil
	},
	Decode: func(r *pagedb.RecordReader) (*Invoice, error) {
		inv := &Invoice{Number: r.ReadInt64(), CustomerRef: r.ReadInt64()}
		n := r.ReadLen()
		lines := make([]InvoiceLine, 0, n)
		for range n {
			lines = append(lines, InvoiceLine{ProductID: r.ReadInt64(), Quantity: r.ReadInt64(), UnitPrice: r.ReadInt64()})
		}
		inv.Lines = pagedb.NewList(&inv.Entity, lines...)
		inv.Total = r.ReadInt64()
		inv.Issued = r.ReadTime()
		return inv, nil
	},
}

func writeStrings(w *pagedb.RecordWriter, l *pagedb.List[string]) {
	w.WriteLen(l.Len())
	for _, s := range l.All() {
		w.WriteString(s)
	}
}

func readStrings(r *pagedb.RecordReader) []string {
	n := r.ReadLen()
	out := make([]string, 0, n)
	for range n {
		out = append(out, r.ReadString())
	}
	return out
}
