package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/CrowderSoup/kanban-sync/models"
)

// CardDraft holds the user supplied fields of a new card.
type CardDraft struct {
	Title       string
	Description *string
	DueDate     *time.Time
	Priority    models.Priority
	Status      models.Status
	AssigneeID  *string
}

func (d CardDraft) withDefaults() CardDraft {
	if d.Priority == "" {
		d.Priority = models.PriorityP2
	}
	if d.Status == "" {
		d.Status = models.StatusNotStarted
	}
	return d
}

func (d CardDraft) validate() error {
	if err := validateText("title", d.Title, maxCardTitle); err != nil {
		return err
	}
	return ValidateCardPatch(models.CardPatch{Priority: &d.Priority, Status: &d.Status})
}

// ColumnDraft holds the user supplied fields of a new column.
type ColumnDraft struct {
	Name  string
	Color *string
}

// DeleteColumnOptions controls what happens to the cards of a deleted column.
type DeleteColumnOptions struct {
	// MoveCardsTo, when set, receives the cards before the column is deleted.
	// Otherwise the cards are deleted with it.
	MoveCardsTo EntityID
}

// Mutator applies user intent to the Store before the backend confirms it and
// converges to the backend's answer afterwards. Every method applies its local
// change before blocking on the network, so callers that must not block can
// run them in a goroutine and read the Store right away.
type Mutator struct {
	boardID string
	store   *Store
	ledger  *ledger
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

func newMutator(boardID string, store *Store, l *ledger, backend Backend, logger zerolog.Logger, now func() time.Time) *Mutator {
	return &Mutator{
		boardID: boardID,
		store:   store,
		ledger:  l,
		backend: backend,
		logger:  logger,
		now:     now,
	}
}

// settle closes operation tok on id. A failed operation that is still the
// newest one on id is undone with restore. Remote updates held back while the
// operation ran are applied last.
func (m *Mutator) settle(id EntityID, tok uint64, err error, restore func(), confirm func(current bool)) {
	current := m.ledger.current(id, tok)
	sid, _ := id.ServerID()
	switch {
	case err != nil:
		if current && restore != nil && !m.ledger.buried(sid) {
			restore()
		}
	case confirm != nil:
		confirm(current)
	}
	if held := m.ledger.finish(id, tok); held != nil {
		held()
	}
}

func (m *Mutator) confirmCard(row models.Card, current bool) Card {
	if m.ledger.accept(row.ID, row.Version) && current {
		if _, ok := m.store.Column(Confirmed(row.ColumnID)); ok {
			c := cardFromRow(row)
			m.store.UpsertCard(c)
			return c
		}
	}
	c, _ := m.store.Card(Confirmed(row.ID))
	return c
}

func (m *Mutator) confirmColumn(row models.Column, current bool) Column {
	if m.ledger.accept(row.ID, row.Version) && current && row.BoardID == m.boardID {
		c := columnFromRow(row)
		m.store.UpsertColumn(c)
		return c
	}
	c, _ := m.store.Column(Confirmed(row.ID))
	return c
}

// CreateCard inserts a pending card at the top of the column and asks the
// backend to create it. On success the pending record is replaced by the
// confirmed one; on failure it is removed.
func (m *Mutator) CreateCard(ctx context.Context, columnID EntityID, draft CardDraft) (Card, error) {
	draft = draft.withDefaults()
	if err := draft.validate(); err != nil {
		return Card{}, err
	}

	m.ledger.mu.Lock()
	if _, ok := m.store.Column(columnID); !ok {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to create card: column %s: %w", columnID, ErrNotFound)
	}
	if columnID.IsPending() {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to create card: column %s: %w", columnID, ErrNotConfirmed)
	}
	now := m.now()
	card := Card{
		ID:          NewPending(),
		ColumnID:    columnID,
		Title:       draft.Title,
		Description: draft.Description,
		DueDate:     draft.DueDate,
		Priority:    draft.Priority,
		Status:      draft.Status,
		AssigneeID:  draft.AssigneeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ref, _ := card.ID.Token()
	m.ledger.creates[ref] = &pendingCreate{id: card.ID}
	m.store.UpsertCard(card)
	m.ledger.mu.Unlock()

	row := card.Row()
	row.ClientRef = ref
	saved, err := m.backend.Cards.Insert(ctx, row)

	m.ledger.mu.Lock()
	pc := m.ledger.creates[ref]
	delete(m.ledger.creates, ref)
	m.store.RemoveCard(card.ID)
	if err != nil {
		m.ledger.mu.Unlock()
		m.logger.Warn().Err(err).Str("card", card.ID.String()).Msg("card create failed, pending card removed")
		return Card{}, fmt.Errorf("failed to create card: %w", err)
	}
	if pc != nil && pc.cancelled {
		m.ledger.bury(saved.ID)
		m.store.RemoveCard(Confirmed(saved.ID))
		m.ledger.mu.Unlock()
		return Card{}, m.compensate(ctx, m.backend.Cards.Delete, "card", saved.ID)
	}
	if _, ok := m.store.Column(Confirmed(saved.ColumnID)); !ok {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to create card: column %s deleted meanwhile: %w", saved.ColumnID, ErrNotFound)
	}
	out := m.confirmCard(saved, true)
	m.ledger.mu.Unlock()
	return out, nil
}

// compensate deletes a row whose create was superseded by a local delete.
func (m *Mutator) compensate(ctx context.Context, del func(context.Context, string) error, kind, id string) error {
	m.logger.Debug().Str(kind+"_id", id).Msg("deleting " + kind + " created after local delete")
	err := ErrSuperseded
	if derr := del(context.WithoutCancel(ctx), id); derr != nil && !errors.Is(derr, ErrNotFound) {
		err = multierr.Append(err, fmt.Errorf("failed to delete superseded %s: %w", kind, derr))
	}
	return fmt.Errorf("%s create: %w", kind, err)
}

// UpdateCard merges patch into the card and sends it to the backend. The card
// is restored if the request fails and no newer operation touched it since.
func (m *Mutator) UpdateCard(ctx context.Context, id EntityID, patch models.CardPatch) (Card, error) {
	if err := ValidateCardPatch(patch); err != nil {
		return Card{}, err
	}

	m.ledger.mu.Lock()
	pre, ok := m.store.Card(id)
	if !ok {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to update card %s: %w", id, ErrNotFound)
	}
	sid, confirmed := id.ServerID()
	if !confirmed {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to update card %s: %w", id, ErrNotConfirmed)
	}
	if patch.Empty() {
		m.ledger.mu.Unlock()
		return pre, nil
	}
	if patch.ColumnID != nil {
		if _, ok := m.store.Column(Confirmed(*patch.ColumnID)); !ok {
			m.ledger.mu.Unlock()
			return Card{}, fmt.Errorf("failed to update card %s: column %s: %w", id, *patch.ColumnID, ErrNotFound)
		}
	}
	tok := m.ledger.begin(id)
	next := pre.apply(patch)
	next.UpdatedAt = m.now()
	m.store.UpsertCard(next)
	m.ledger.mu.Unlock()

	row, err := m.backend.Cards.Update(ctx, sid, patch)

	var out Card
	m.ledger.mu.Lock()
	m.settle(id, tok, err,
		func() { m.store.UpsertCard(pre) },
		func(current bool) { out = m.confirmCard(row, current) },
	)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("card_id", sid).Msg("card update failed")
		return Card{}, fmt.Errorf("failed to update card %s: %w", sid, err)
	}
	return out, nil
}

// MoveCard puts the card into column at pos and sends a single record update.
// Siblings keep their positions.
func (m *Mutator) MoveCard(ctx context.Context, id, column EntityID, pos int) (Card, error) {
	m.ledger.mu.Lock()
	pre, ok := m.store.Card(id)
	if !ok {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to move card %s: %w", id, ErrNotFound)
	}
	if _, ok := m.store.Column(column); !ok {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to move card %s: column %s: %w", id, column, ErrNotFound)
	}
	sid, cardOK := id.ServerID()
	colID, colOK := column.ServerID()
	if !cardOK || !colOK {
		m.ledger.mu.Unlock()
		return Card{}, fmt.Errorf("failed to move card %s: %w", id, ErrNotConfirmed)
	}
	tok := m.ledger.begin(id)
	next, _ := m.store.MoveCard(id, column, pos)
	next.UpdatedAt = m.now()
	m.store.UpsertCard(next)
	m.ledger.mu.Unlock()

	row, err := m.backend.Cards.Update(ctx, sid, models.CardPatch{ColumnID: &colID, Position: &pos})

	var out Card
	m.ledger.mu.Lock()
	m.settle(id, tok, err,
		func() { m.store.UpsertCard(pre) },
		func(current bool) { out = m.confirmCard(row, current) },
	)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("card_id", sid).Str("column_id", colID).Msg("card move failed")
		return Card{}, fmt.Errorf("failed to move card %s: %w", sid, err)
	}
	return out, nil
}

// ReorderCards moves the card at index from to index to inside the column,
// renumbers the column densely and sends every position in one bulk upsert.
func (m *Mutator) ReorderCards(ctx context.Context, column EntityID, from, to int) error {
	colID, ok := column.ServerID()
	if !ok {
		return fmt.Errorf("failed to reorder cards of %s: %w", column, ErrNotConfirmed)
	}
	if from == to {
		return nil
	}

	m.ledger.mu.Lock()
	pre := m.store.Cards(column)
	list, ok := m.store.ReorderCards(column, from, to)
	if !ok {
		m.ledger.mu.Unlock()
		return fmt.Errorf("failed to reorder cards of %s: index out of range: %w", colID, ErrInvalid)
	}
	toks := make(map[EntityID]uint64, len(list))
	placements := make([]models.Placement, 0, len(list))
	for _, c := range list {
		sid, ok := c.ID.ServerID()
		if !ok {
			continue
		}
		toks[c.ID] = m.ledger.begin(c.ID)
		placements = append(placements, models.Placement{ID: sid, ParentID: colID, Position: c.Position})
	}
	m.ledger.mu.Unlock()

	err := m.backend.Cards.BulkUpsert(ctx, placements)

	m.ledger.mu.Lock()
	for _, c := range pre {
		tok, ok := toks[c.ID]
		if !ok {
			continue
		}
		m.settle(c.ID, tok, err, func() { m.store.UpsertCard(c) }, nil)
	}
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("column_id", colID).Msg("card reorder failed, positions restored")
		return fmt.Errorf("failed to reorder cards of %s: %w", colID, err)
	}
	return nil
}

// DeleteCard removes the card and asks the backend to delete it. Deleting a
// pending card cancels its create; the row is deleted again once the create
// returns. Deleting an absent card is a no-op.
func (m *Mutator) DeleteCard(ctx context.Context, id EntityID) error {
	m.ledger.mu.Lock()
	pre, ok := m.store.Card(id)
	if !ok {
		m.ledger.mu.Unlock()
		return nil
	}
	sid, confirmed := id.ServerID()
	if !confirmed {
		m.ledger.cancelCreate(id)
		m.store.RemoveCard(id)
		m.ledger.mu.Unlock()
		return nil
	}
	tok := m.ledger.begin(id)
	m.store.RemoveCard(id)
	m.ledger.bury(sid)
	m.ledger.mu.Unlock()

	err := m.backend.Cards.Delete(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}

	m.ledger.mu.Lock()
	if err != nil && m.ledger.current(id, tok) {
		m.ledger.unbury(sid)
		m.store.UpsertCard(pre)
	}
	if held := m.ledger.finish(id, tok); held != nil {
		held()
	}
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("card_id", sid).Msg("card delete failed, card restored")
		return fmt.Errorf("failed to delete card %s: %w", sid, err)
	}
	return nil
}

// CreateColumn inserts a pending column and asks the backend to create it.
func (m *Mutator) CreateColumn(ctx context.Context, draft ColumnDraft) (Column, error) {
	if err := ValidateColumnName(draft.Name); err != nil {
		return Column{}, err
	}

	m.ledger.mu.Lock()
	if _, ok := m.store.Board(); !ok {
		m.ledger.mu.Unlock()
		return Column{}, fmt.Errorf("failed to create column: %w", ErrNoBoard)
	}
	now := m.now()
	col := Column{
		ID:        NewPending(),
		BoardID:   m.boardID,
		Name:      draft.Name,
		Color:     draft.Color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ref, _ := col.ID.Token()
	m.ledger.creates[ref] = &pendingCreate{id: col.ID}
	m.store.UpsertColumn(col)
	m.ledger.mu.Unlock()

	row := col.Row()
	row.ClientRef = ref
	saved, err := m.backend.Columns.Insert(ctx, row)

	m.ledger.mu.Lock()
	pc := m.ledger.creates[ref]
	delete(m.ledger.creates, ref)
	m.store.RemoveColumnCascade(col.ID)
	if err != nil {
		m.ledger.mu.Unlock()
		m.logger.Warn().Err(err).Str("column", col.ID.String()).Msg("column create failed, pending column removed")
		return Column{}, fmt.Errorf("failed to create column: %w", err)
	}
	if pc != nil && pc.cancelled {
		m.ledger.bury(saved.ID)
		m.store.RemoveColumnCascade(Confirmed(saved.ID))
		m.ledger.mu.Unlock()
		return Column{}, m.compensate(ctx, m.backend.Columns.Delete, "column", saved.ID)
	}
	out := m.confirmColumn(saved, true)
	m.ledger.mu.Unlock()
	return out, nil
}

// UpdateColumn merges patch into the column and sends it to the backend.
func (m *Mutator) UpdateColumn(ctx context.Context, id EntityID, patch models.ColumnPatch) (Column, error) {
	if patch.Name != nil {
		if err := ValidateColumnName(*patch.Name); err != nil {
			return Column{}, err
		}
	}

	m.ledger.mu.Lock()
	pre, ok := m.store.Column(id)
	if !ok {
		m.ledger.mu.Unlock()
		return Column{}, fmt.Errorf("failed to update column %s: %w", id, ErrNotFound)
	}
	sid, confirmed := id.ServerID()
	if !confirmed {
		m.ledger.mu.Unlock()
		return Column{}, fmt.Errorf("failed to update column %s: %w", id, ErrNotConfirmed)
	}
	tok := m.ledger.begin(id)
	next := pre.apply(patch)
	next.UpdatedAt = m.now()
	m.store.UpsertColumn(next)
	m.ledger.mu.Unlock()

	row, err := m.backend.Columns.Update(ctx, sid, patch)

	var out Column
	m.ledger.mu.Lock()
	m.settle(id, tok, err,
		func() { m.store.UpsertColumn(pre) },
		func(current bool) { out = m.confirmColumn(row, current) },
	)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("column_id", sid).Msg("column update failed")
		return Column{}, fmt.Errorf("failed to update column %s: %w", sid, err)
	}
	return out, nil
}

// ReorderColumns moves the column at index from to index to and sends every
// column position in one bulk upsert.
func (m *Mutator) ReorderColumns(ctx context.Context, from, to int) error {
	if from == to {
		return nil
	}

	m.ledger.mu.Lock()
	pre := m.store.Columns()
	list, ok := m.store.ReorderColumns(m.boardID, from, to)
	if !ok {
		m.ledger.mu.Unlock()
		return fmt.Errorf("failed to reorder columns: index out of range: %w", ErrInvalid)
	}
	toks := make(map[EntityID]uint64, len(list))
	placements := make([]models.Placement, 0, len(list))
	for _, c := range list {
		sid, ok := c.ID.ServerID()
		if !ok {
			continue
		}
		toks[c.ID] = m.ledger.begin(c.ID)
		placements = append(placements, models.Placement{ID: sid, ParentID: m.boardID, Position: c.Position})
	}
	m.ledger.mu.Unlock()

	err := m.backend.Columns.BulkUpsert(ctx, placements)

	m.ledger.mu.Lock()
	for _, c := range pre {
		tok, ok := toks[c.ID]
		if !ok {
			continue
		}
		m.settle(c.ID, tok, err, func() { m.store.UpsertColumn(c) }, nil)
	}
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("board_id", m.boardID).Msg("column reorder failed, positions restored")
		return fmt.Errorf("failed to reorder columns: %w", err)
	}
	return nil
}

// DeleteColumn removes the column. With opts.MoveCardsTo set, its confirmed
// cards are appended to that column in one bulk upsert before the column is
// deleted; otherwise they are removed together with it. The local change is
// applied as a whole before any request and undone as a whole if the
// requests fail.
func (m *Mutator) DeleteColumn(ctx context.Context, id EntityID, opts DeleteColumnOptions) error {
	target := opts.MoveCardsTo
	if !target.IsZero() && target == id {
		return &ValidationError{Field: "move_cards_to", Reason: "must differ from the deleted column"}
	}

	m.ledger.mu.Lock()
	pre, ok := m.store.Column(id)
	if !ok {
		m.ledger.mu.Unlock()
		return nil
	}
	sid, confirmed := id.ServerID()
	var targetID string
	if !target.IsZero() {
		if _, ok := m.store.Column(target); !ok {
			m.ledger.mu.Unlock()
			return fmt.Errorf("failed to move cards to %s: %w", target, ErrNotFound)
		}
		var targetOK bool
		if targetID, targetOK = target.ServerID(); !targetOK {
			m.ledger.mu.Unlock()
			return fmt.Errorf("failed to move cards to %s: %w", target, ErrNotConfirmed)
		}
	}
	if !confirmed {
		m.ledger.cancelCreate(id)
		m.store.RemoveColumnCascade(id)
		m.ledger.mu.Unlock()
		return nil
	}

	// Pre-images of the cards that change column, and the placements that
	// move them on the server.
	var (
		moved      []Card
		toks       map[EntityID]uint64
		placements []models.Placement
		undo       []models.Placement
	)
	if !target.IsZero() {
		for _, c := range m.store.Cards(id) {
			if !c.ID.IsPending() {
				moved = append(moved, c)
			}
		}
		toks = make(map[EntityID]uint64, len(moved))
		for i, c := range m.store.ReparentCards(id, target) {
			csid, _ := c.ID.ServerID()
			toks[c.ID] = m.ledger.begin(c.ID)
			placements = append(placements, models.Placement{ID: csid, ParentID: targetID, Position: c.Position})
			undo = append(undo, models.Placement{ID: csid, ParentID: sid, Position: moved[i].Position})
		}
	}
	tok := m.ledger.begin(id)
	_, cards, _ := m.store.RemoveColumnCascade(id)
	m.ledger.bury(sid)
	m.ledger.mu.Unlock()

	// cardsErr decides whether the moved cards return to the deleted column.
	var err, cardsErr error
	if len(placements) > 0 {
		err = m.backend.Cards.BulkUpsert(ctx, placements)
		cardsErr = err
	}
	if err == nil {
		err = m.backend.Columns.Delete(ctx, sid)
		if errors.Is(err, ErrNotFound) {
			err = nil
		}
		if err != nil && len(undo) > 0 {
			if uerr := m.backend.Cards.BulkUpsert(context.WithoutCancel(ctx), undo); uerr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to move cards back to %s: %w", sid, uerr))
			} else {
				cardsErr = err
			}
		}
	}

	m.ledger.mu.Lock()
	if err != nil && m.ledger.current(id, tok) {
		m.ledger.unbury(sid)
		m.store.UpsertColumn(pre)
		for _, c := range cards {
			m.store.UpsertCard(c)
		}
	}
	for _, c := range moved {
		m.settle(c.ID, toks[c.ID], cardsErr, func() { m.store.UpsertCard(c) }, nil)
	}
	if held := m.ledger.finish(id, tok); held != nil {
		held()
	}
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("column_id", sid).Int("moved_cards", len(moved)).Msg("column delete failed, column restored")
		return fmt.Errorf("failed to delete column %s: %w", sid, err)
	}
	return nil
}

// RenameBoard changes the name of the session's board.
func (m *Mutator) RenameBoard(ctx context.Context, name string) (Board, error) {
	if err := ValidateBoardName(name); err != nil {
		return Board{}, err
	}

	m.ledger.mu.Lock()
	pre, ok := m.store.Board()
	if !ok {
		m.ledger.mu.Unlock()
		return Board{}, fmt.Errorf("failed to rename board: %w", ErrNoBoard)
	}
	tok := m.ledger.begin(pre.ID)
	next := pre
	next.Name = name
	next.UpdatedAt = m.now()
	m.store.SetBoard(next)
	m.ledger.mu.Unlock()

	row, err := m.backend.Boards.Update(ctx, m.boardID, models.BoardPatch{Name: &name})

	out := next
	m.ledger.mu.Lock()
	m.settle(pre.ID, tok, err,
		func() { m.store.SetBoard(pre) },
		func(current bool) {
			if m.ledger.accept(row.ID, row.Version) && current {
				out = boardFromRow(row)
				m.store.SetBoard(out)
			}
		},
	)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("board_id", m.boardID).Msg("board rename failed")
		return Board{}, fmt.Errorf("failed to rename board %s: %w", m.boardID, err)
	}
	return out, nil
}
