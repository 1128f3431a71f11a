package cart

import (
	"context"
	"fmt"
)

// mutation is the optimistic-update contract. Every cart mutation must
// define all four stages, so a command cannot forget its rollback path:
//
//	Apply: the local state change before the network call. May be a
//	no-op for non-optimistic commands such as Add.
//	Commit: the upstream call.
//	Rollback: undoes Apply when Commit fails.
//	Complete: bookkeeping after Commit succeeds.
//
// Apply, Rollback and Complete run under the engine lock; Commit does not.
type mutation interface {
	Apply(s *state) error
	Commit(ctx context.Context) error
	Rollback(s *state)
	Complete(ctx context.Context, s *state)
	Optimistic() bool
}

// addCommand creates a new line upstream. It is not optimistic: a failed
// add leaves the cart untouched, there is no partial insert to undo.
type addCommand struct {
	engine    *Engine
	productID string
	quantity  int

	cartID    string
	newCartID string
	added     Line
}

func (c *addCommand) Apply(s *state) error {
	if existing := s.lineByProductID(c.productID); existing != nil {
		// The engine resolves add-vs-increase before constructing the
		// command; hitting this means a concurrent add won the race.
		return ErrMutationInFlight
	}
	c.cartID = s.cartID
	return nil
}

func (c *addCommand) Commit(ctx context.Context) error {
	cartID, item, err := c.engine.gw.AddItem(ctx, c.cartID, c.productID, c.quantity)
	if err != nil {
		return err
	}
	c.newCartID = cartID
	c.added = Line{LineItem: item}
	return nil
}

func (c *addCommand) Rollback(*state) {}

func (c *addCommand) Complete(ctx context.Context, s *state) {
	s.lines = append(s.lines, c.added)
	if c.newCartID != "" && c.newCartID != s.cartID {
		s.cartID = c.newCartID
		// The identity is created exactly once and must survive restarts.
		if err := c.engine.store.SetCartID(ctx, c.engine.device, c.newCartID); err != nil {
			c.engine.logger.Error().Err(err).Msg("persist_cart_id_failed")
		}
	}
}

func (c *addCommand) Optimistic() bool { return false }

// quantityCommand shifts a line quantity by a delta, optimistically. It
// carries the delta, not an absolute target: the target is resolved from
// the live quantity inside Apply, under the same lock that admits the
// mutation, so a quantity read before a concurrent rollback can never win.
type quantityCommand struct {
	engine *Engine
	itemID string
	delta  int

	cartID   string
	previous int
	target   int
}

func (c *quantityCommand) Apply(s *state) error {
	line := s.lineByItemID(c.itemID)
	if line == nil || line.PendingRemoval {
		return ErrUnknownItem
	}
	target := line.Quantity + c.delta
	if target < 1 {
		return fmt.Errorf("quantity must be >= 1: %w", ErrInvalidInput)
	}
	c.cartID = s.cartID
	c.previous = line.Quantity
	c.target = target
	line.Quantity = target
	return nil
}

func (c *quantityCommand) Commit(ctx context.Context) error {
	return c.engine.gw.UpdateQuantity(ctx, c.cartID, c.itemID, c.target)
}

func (c *quantityCommand) Rollback(s *state) {
	if line := s.lineByItemID(c.itemID); line != nil {
		line.Quantity = c.previous
	}
}

func (c *quantityCommand) Complete(context.Context, *state) {}

func (c *quantityCommand) Optimistic() bool { return true }

// removeCommand deletes a line. The optimistic stage only flags the line
// as pending removal so the UI can fade it; the line is dropped from state
// once the upstream confirms.
type removeCommand struct {
	engine *Engine
	itemID string

	cartID string
}

func (c *removeCommand) Apply(s *state) error {
	line := s.lineByItemID(c.itemID)
	if line == nil {
		return ErrUnknownItem
	}
	if line.PendingRemoval {
		return ErrMutationInFlight
	}
	c.cartID = s.cartID
	line.PendingRemoval = true
	return nil
}

func (c *removeCommand) Commit(ctx context.Context) error {
	return c.engine.gw.RemoveItem(ctx, c.cartID, c.itemID)
}

func (c *removeCommand) Rollback(s *state) {
	if line := s.lineByItemID(c.itemID); line != nil {
		line.PendingRemoval = false
	}
}

func (c *removeCommand) Complete(_ context.Context, s *state) {
	s.dropItem(c.itemID)
}

func (c *removeCommand) Optimistic() bool { return true }
