// Package reorder assembles a strictly ordered byte-chunk stream out of a
// source that may deliver chunks out of sequence, bounded by a small side
// buffer.
//
// It is grounded on the Python original's handle_input/find_packet loop:
// scan a small buffer for the expected sequence number first, otherwise
// pull from the inbound source until the expected item, a duplicate, a
// future item (buffered), or the close sentinel turns up. Per spec.md's
// design note, out-of-order arrivals are held in an explicit side buffer
// rather than being re-enqueued onto the source, so the source stays
// single-consumer FIFO.
package reorder

import (
	"errors"
	"time"
)

// ErrAbort is returned when the source reports it will never yield another
// item (the session is tearing down).
var ErrAbort = errors.New("reorder: aborted")

// ErrOverflow is returned when the side buffer would grow past its limit.
var ErrOverflow = errors.New("reorder: buffer overflow")

// ErrTimeout is returned when no item arrives within the dequeue timeout.
var ErrTimeout = errors.New("reorder: timeout")

// Item is a sequenced chunk as seen by the assembler.
type Item struct {
	Seq     uint64
	Payload []byte
}

// Source is the single-consumer, multi-producer queue the assembler reads
// from. Recv blocks for up to timeout waiting for the next item; ok is
// false when the queue has been permanently closed (no more items will
// ever arrive) and timedOut is true when the wait elapsed with nothing
// available.
type Source interface {
	Recv(timeout time.Duration) (item Item, ok bool, timedOut bool)
}

// Buffer is the per-session side buffer of out-of-order arrivals. Its
// length is bounded by limit; callers create one per session and never
// share it across goroutines (the assembler is single-consumer).
type Buffer struct {
	items []Item
	limit int
}

// NewBuffer creates a side buffer bounded by limit items.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Len reports how many out-of-order items are currently held.
func (b *Buffer) Len() int {
	return len(b.items)
}

func (b *Buffer) take(seq uint64) (Item, bool) {
	for i, it := range b.items {
		if it.Seq == seq {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return it, true
		}
	}
	return Item{}, false
}

func (b *Buffer) put(item Item) error {
	b.items = append(b.items, item)
	if len(b.items) > b.limit {
		return ErrOverflow
	}
	return nil
}

// Next returns the next chunk in strictly increasing seq order starting at
// expected, consulting buf for already-buffered future arrivals before
// blocking on src. timeout bounds the whole wait for a matching item.
func Next(expected uint64, src Source, buf *Buffer, timeout time.Duration) (Item, error) {
	if it, ok := buf.take(expected); ok {
		return it, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Item{}, ErrTimeout
		}

		item, ok, timedOut := src.Recv(remaining)
		switch {
		case timedOut:
			return Item{}, ErrTimeout
		case !ok:
			return Item{}, ErrAbort
		case item.Seq < expected:
			// Duplicate, discard silently and keep waiting.
			continue
		case item.Seq == expected:
			return item, nil
		default:
			if err := buf.put(item); err != nil {
				return Item{}, err
			}
			continue
		}
	}
}
