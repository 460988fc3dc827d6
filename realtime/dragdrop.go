package realtime

import (
	"context"
	"fmt"
)

// TargetKind says what a dragged item was released over.
type TargetKind int

const (
	OverColumn TargetKind = iota + 1
	OverCard
)

// DropTarget is the item under the pointer when a drag ends.
type DropTarget struct {
	Kind TargetKind
	ID   EntityID
}

// ColumnTarget returns a target for a drop on the column itself.
func ColumnTarget(id EntityID) DropTarget { return DropTarget{Kind: OverColumn, ID: id} }

// CardTarget returns a target for a drop on a card.
func CardTarget(id EntityID) DropTarget { return DropTarget{Kind: OverCard, ID: id} }

type dropAction int

const (
	dropNone dropAction = iota
	dropReorder
	dropMove
)

// dropPlan is the store operation a card drop resolves to. For a reorder,
// from and to are indices inside column; for a move, to is the new position.
type dropPlan struct {
	action dropAction
	column EntityID
	from   int
	to     int
}

func indexOf(cards []Card, id EntityID) int {
	for i, c := range cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// planCardDrop resolves a card drop against the current store:
//   - on its own column: reorder to the end
//   - on another column: move to the end of that column
//   - on a card of the same column: reorder to that card's index
//   - on a card of another column: move to that card's index
func planCardDrop(s *Store, cardID EntityID, over DropTarget) (dropPlan, error) {
	card, ok := s.Card(cardID)
	if !ok {
		return dropPlan{}, fmt.Errorf("dragged card %s: %w", cardID, ErrNotFound)
	}
	siblings := s.Cards(card.ColumnID)
	from := indexOf(siblings, cardID)

	switch over.Kind {
	case OverColumn:
		if _, ok := s.Column(over.ID); !ok {
			return dropPlan{}, fmt.Errorf("drop column %s: %w", over.ID, ErrNotFound)
		}
		if over.ID == card.ColumnID {
			return dropPlan{action: dropReorder, column: over.ID, from: from, to: len(siblings) - 1}, nil
		}
		return dropPlan{action: dropMove, column: over.ID, to: len(s.Cards(over.ID))}, nil
	case OverCard:
		if over.ID == cardID {
			return dropPlan{action: dropNone}, nil
		}
		target, ok := s.Card(over.ID)
		if !ok {
			return dropPlan{}, fmt.Errorf("drop card %s: %w", over.ID, ErrNotFound)
		}
		if target.ColumnID == card.ColumnID {
			return dropPlan{action: dropReorder, column: card.ColumnID, from: from, to: indexOf(siblings, over.ID)}, nil
		}
		return dropPlan{action: dropMove, column: target.ColumnID, to: indexOf(s.Cards(target.ColumnID), over.ID)}, nil
	default:
		return dropPlan{}, &ValidationError{Field: "target", Reason: "has no kind"}
	}
}

// DropCard applies a finished card drag. Reorders inside a column send a bulk
// position update; moves across columns send a single record update.
func (m *Mutator) DropCard(ctx context.Context, cardID EntityID, over DropTarget) error {
	plan, err := planCardDrop(m.store, cardID, over)
	if err != nil {
		return err
	}
	switch plan.action {
	case dropReorder:
		return m.ReorderCards(ctx, plan.column, plan.from, plan.to)
	case dropMove:
		_, err := m.MoveCard(ctx, cardID, plan.column, plan.to)
		return err
	default:
		return nil
	}
}

// DropColumn applies a finished column drag. Columns always reorder by index
// within the board; a drop on a card counts as a drop on its column.
func (m *Mutator) DropColumn(ctx context.Context, columnID EntityID, over DropTarget) error {
	targetCol := over.ID
	if over.Kind == OverCard {
		card, ok := m.store.Card(over.ID)
		if !ok {
			return fmt.Errorf("drop card %s: %w", over.ID, ErrNotFound)
		}
		targetCol = card.ColumnID
	}
	cols := m.store.Columns()
	from, to := -1, -1
	for i, c := range cols {
		if c.ID == columnID {
			from = i
		}
		if c.ID == targetCol {
			to = i
		}
	}
	if from < 0 {
		return fmt.Errorf("dragged column %s: %w", columnID, ErrNotFound)
	}
	if to < 0 {
		return fmt.Errorf("drop column %s: %w", targetCol, ErrNotFound)
	}
	return m.ReorderColumns(ctx, from, to)
}
