package storage

import (
	"context"

	"streamfeed/models"
)

// OpKind is the kind of a staged timeline operation.
type OpKind int

const (
	OpAdd OpKind = iota
	OpRemove
	OpTrim
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpTrim:
		return "trim"
	}
	return "unknown"
}

// Op is one staged timeline operation.
type Op struct {
	Kind    OpKind
	Key     string
	Records []Record
	IDs     []models.SerializationID
	Length  int
}

// Batch stages timeline operations that a store applies in order as one
// unit. Nothing is written until the batch is passed to Apply.
type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) AddMany(key string, records []Record) {
	if len(records) == 0 {
		return
	}
	b.ops = append(b.ops, Op{Kind: OpAdd, Key: key, Records: records})
}

func (b *Batch) RemoveMany(key string, ids []models.SerializationID) {
	if len(ids) == 0 {
		return
	}
	b.ops = append(b.ops, Op{Kind: OpRemove, Key: key, IDs: ids})
}

func (b *Batch) Trim(key string, length int) {
	b.ops = append(b.ops, Op{Kind: OpTrim, Key: key, Length: length})
}

// Ops returns the staged operations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// WithBatch stages the operations of fn and applies them when fn succeeds.
func WithBatch(ctx context.Context, store TimelineStore, fn func(*Batch) error) error {
	b := NewBatch()
	if err := fn(b); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}
	return store.Apply(ctx, b)
}
