package pagedb

// Cloner is implemented by types that can clone themselves.
type Cloner[T any] interface {
	Clone() T
}

// Row is the contract every stored type satisfies. Embedding [Entity] in a
// struct provides everything but Clone:
//
//	type Product struct {
//		pagedb.Entity
//		Name string
//	}
//
//	func (p *Product) Clone() *Product {
//		c := *p
//		return &c
//	}
type Row[T any] interface {
	Cloner[T]
	GetID() int64
	AssignID(id int64)
	Dirty() bool
	Clean()
}

// Entity carries a row's identity and dirty flag.
type Entity struct {
	ID    int64 `json:"id"`
	dirty bool
}

// GetID returns the row's id, zero until the table assigns one.
func (e *Entity) GetID() int64 {
	return e.ID
}

// AssignID sets the row's id. Ids are immutable once assigned; assigning a
// different id to a row that already has one panics.
func (e *Entity) AssignID(id int64) {
	if e.ID != 0 && e.ID != id {
		panic("pagedb: row id is already assigned")
	}
	e.ID = id
}

// Update marks the row as modified. Setters call it after an actual change.
func (e *Entity) Update() {
	e.dirty = true
}

// Dirty reports whether the row was modified since it was loaded or stored.
func (e *Entity) Dirty() bool {
	return e.dirty
}

// Clean clears the dirty flag.
func (e *Entity) Clean() {
	e.dirty = false
}

// Set stores value in *field and marks the entity dirty, unless the field
// already holds value.
//
//	func (p *Product) SetName(v string) { pagedb.Set(&p.Entity, &p.Name, v) }
func Set[V comparable](e *Entity, field *V, value V) {
	if *field == value {
		return
	}
	*field = value
	e.Update()
}
