package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// Status is the lifecycle state of an execution context.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// IsTerminal reports whether the dispatcher is done with the context.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Context tracks one parent order being worked by the dispatcher. Fields
// behind mu are touched by the dispatcher goroutine and by slice workers;
// everything above it is set once at creation.
type Context struct {
	ID         string
	OrderID    string
	UserID     string
	Pair       types.Pair
	Side       types.OrderSide
	Type       types.OrderType
	LimitPrice decimal.Decimal

	algo Algorithm
	opts Options

	mu           sync.Mutex
	status       Status
	remaining    decimal.Decimal
	filled       decimal.Decimal
	notional     decimal.Decimal
	fills        []types.Fill
	benchmark    decimal.Decimal
	firstFill    decimal.Decimal
	consecErrors int
	sliceSeq     int
	inFlight     bool
	startedAt    time.Time
	deadline     time.Time
	finishedAt   time.Time
}

// View is a point-in-time copy of a context safe to hand out.
type View struct {
	ID             string
	OrderID        string
	UserID         string
	Pair           types.Pair
	Side           types.OrderSide
	Algorithm      Algo
	Status         Status
	FilledQuantity decimal.Decimal
	RemainingQty   decimal.Decimal
	AveragePrice   decimal.Decimal
	Slippage       decimal.Decimal
	FillCount      int
	StartedAt      time.Time
	FinishedAt     time.Time
}

func newContext(id string, o *types.Order, algo Algorithm, opts Options, now time.Time) *Context {
	return &Context{
		ID:         id,
		OrderID:    o.ID,
		UserID:     o.UserID,
		Pair:       o.Pair,
		Side:       o.Side,
		Type:       o.Type,
		LimitPrice: o.Price,
		algo:       algo,
		opts:       opts,
		status:     StatusPending,
		remaining:  o.RemainingQty,
		startedAt:  now,
		deadline:   now.Add(opts.TimeLimit),
	}
}

// Remaining returns the quantity still to execute.
func (c *Context) Remaining() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Deadline returns the instant the time budget runs out.
func (c *Context) Deadline() time.Time {
	return c.deadline
}

// Status returns the current lifecycle state.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Benchmark returns the target price slices are measured against, zero when
// none is known yet.
func (c *Context) Benchmark() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.benchmark
}

func (c *Context) setBenchmark(px decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.benchmark.IsZero() && px.Sign() > 0 {
		c.benchmark = px
	}
}

// Snapshot returns a copy of the observable state.
func (c *Context) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		ID:             c.ID,
		OrderID:        c.OrderID,
		UserID:         c.UserID,
		Pair:           c.Pair,
		Side:           c.Side,
		Algorithm:      c.algo.Name(),
		Status:         c.status,
		FilledQuantity: c.filled,
		RemainingQty:   c.remaining,
		AveragePrice:   c.averageLocked(),
		Slippage:       c.slippageLocked(),
		FillCount:      len(c.fills),
		StartedAt:      c.startedAt,
		FinishedAt:     c.finishedAt,
	}
}

func (c *Context) averageLocked() decimal.Decimal {
	if c.filled.Sign() <= 0 {
		return decimal.Zero
	}
	return c.notional.Div(c.filled)
}

// slippageLocked measures the average fill price against the first fill.
func (c *Context) slippageLocked() decimal.Decimal {
	avg := c.averageLocked()
	if avg.IsZero() || c.firstFill.IsZero() {
		return decimal.Zero
	}
	return avg.Sub(c.firstFill).Abs().Div(c.firstFill)
}

// beginSlice claims the single in-flight slot and hands out the next slice
// id. It returns false while a slice is already working or the context is
// done.
func (c *Context) beginSlice() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight || c.status.IsTerminal() {
		return "", false
	}
	if c.status == StatusPending {
		c.status = StatusRunning
	}
	c.inFlight = true
	c.sliceSeq++
	return fmt.Sprintf("%s-%d", c.ID, c.sliceSeq), true
}

func (c *Context) endSlice() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// applyFill folds one provider fill into the running totals and returns the
// remaining quantity.
func (c *Context) applyFill(f types.Fill) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills = append(c.fills, f)
	c.filled = c.filled.Add(f.Quantity)
	c.remaining = c.remaining.Sub(f.Quantity)
	c.notional = c.notional.Add(f.Notional())
	if c.firstFill.IsZero() {
		c.firstFill = f.Price
	}
	c.consecErrors = 0
	return c.remaining
}

// recordFailure counts one provider error and returns the consecutive total.
func (c *Context) recordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecErrors++
	return c.consecErrors
}

// finish moves the context to a terminal status once. It returns false when
// another path already finished it.
func (c *Context) finish(s Status, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.status = s
	c.finishedAt = at
	return true
}
