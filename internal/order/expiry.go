package order

import (
	"sync"
	"time"

	"github.com/huandu/skiplist"
)

// expiryKey orders the expiry index by due time, then order id for
// determinism at equal instants.
type expiryKey struct {
	at time.Time
	id string
}

// expiryOrder is the skiplist comparator for expiryKey.
type expiryOrder struct{}

func (expiryOrder) Compare(lhs, rhs interface{}) int {
	a := lhs.(expiryKey)
	b := rhs.(expiryKey)
	if a.at.Before(b.at) {
		return -1
	}
	if a.at.After(b.at) {
		return 1
	}
	switch {
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	}
	return 0
}

func (expiryOrder) CalcScore(key interface{}) float64 {
	return float64(key.(expiryKey).at.UnixNano())
}

// expiryIndex tracks when open orders fall due. Orders without an expiry
// (GTC) are never indexed.
type expiryIndex struct {
	mu   sync.Mutex
	list *skiplist.SkipList
	keys map[string]expiryKey
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{
		list: skiplist.New(expiryOrder{}),
		keys: make(map[string]expiryKey),
	}
}

// add indexes an order's expiry, replacing any previous entry. Zero times
// are ignored.
func (x *expiryIndex) add(orderID string, at time.Time) {
	if at.IsZero() {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.keys[orderID]; ok {
		x.list.Remove(prev)
	}
	key := expiryKey{at: at, id: orderID}
	x.list.Set(key, orderID)
	x.keys[orderID] = key
}

// remove drops an order from the index.
func (x *expiryIndex) remove(orderID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if key, ok := x.keys[orderID]; ok {
		x.list.Remove(key)
		delete(x.keys, orderID)
	}
}

// due pops and returns the ids of all orders with expiry at or before now.
func (x *expiryIndex) due(now time.Time) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []string
	for {
		front := x.list.Front()
		if front == nil {
			break
		}
		key := front.Key().(expiryKey)
		if key.at.After(now) {
			break
		}
		ids = append(ids, key.id)
		x.list.Remove(key)
		delete(x.keys, key.id)
	}
	return ids
}

func (x *expiryIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.list.Len()
}
