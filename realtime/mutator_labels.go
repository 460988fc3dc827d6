package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CrowderSoup/kanban-sync/models"
)

// LabelDraft holds the user supplied fields of a new label. An empty Color
// means gray.
type LabelDraft struct {
	Name  string
	Color models.LabelColor
}

func (m *Mutator) confirmLabel(row models.Label, current bool) Label {
	if m.ledger.accept(row.ID, row.Version) && current && row.BoardID == m.boardID {
		l := labelFromRow(row)
		m.store.UpsertLabel(l)
		return l
	}
	l, _ := m.store.Label(Confirmed(row.ID))
	return l
}

// CreateLabel adds a pending label to the board and asks the backend to create it.
func (m *Mutator) CreateLabel(ctx context.Context, draft LabelDraft) (Label, error) {
	if draft.Color == "" {
		draft.Color = models.LabelGray
	}
	if err := ValidateLabel(draft.Name, draft.Color); err != nil {
		return Label{}, err
	}

	m.ledger.mu.Lock()
	if _, ok := m.store.Board(); !ok {
		m.ledger.mu.Unlock()
		return Label{}, fmt.Errorf("failed to create label: %w", ErrNoBoard)
	}
	now := m.now()
	label := Label{
		ID:        NewPending(),
		BoardID:   m.boardID,
		Name:      strings.TrimSpace(draft.Name),
		Color:     draft.Color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ref, _ := label.ID.Token()
	m.ledger.creates[ref] = &pendingCreate{id: label.ID}
	m.store.UpsertLabel(label)
	m.ledger.mu.Unlock()

	row := label.Row()
	row.ClientRef = ref
	saved, err := m.backend.Labels.Insert(ctx, row)

	m.ledger.mu.Lock()
	pc := m.ledger.creates[ref]
	delete(m.ledger.creates, ref)
	m.store.RemoveLabel(label.ID)
	if err != nil {
		m.ledger.mu.Unlock()
		m.logger.Warn().Err(err).Str("label", label.ID.String()).Msg("label create failed, pending label removed")
		return Label{}, fmt.Errorf("failed to create label: %w", err)
	}
	if pc != nil && pc.cancelled {
		m.ledger.bury(saved.ID)
		m.store.RemoveLabel(Confirmed(saved.ID))
		m.ledger.mu.Unlock()
		return Label{}, m.compensate(ctx, m.backend.Labels.Delete, "label", saved.ID)
	}
	out := m.confirmLabel(saved, true)
	m.ledger.mu.Unlock()
	return out, nil
}

// UpdateLabel merges patch into the label and sends it to the backend.
func (m *Mutator) UpdateLabel(ctx context.Context, id EntityID, patch models.LabelPatch) (Label, error) {
	if err := ValidateLabelPatch(patch); err != nil {
		return Label{}, err
	}

	m.ledger.mu.Lock()
	pre, ok := m.store.Label(id)
	if !ok {
		m.ledger.mu.Unlock()
		return Label{}, fmt.Errorf("failed to update label %s: %w", id, ErrNotFound)
	}
	sid, confirmed := id.ServerID()
	if !confirmed {
		m.ledger.mu.Unlock()
		return Label{}, fmt.Errorf("failed to update label %s: %w", id, ErrNotConfirmed)
	}
	tok := m.ledger.begin(id)
	next := pre.apply(patch)
	next.UpdatedAt = m.now()
	m.store.UpsertLabel(next)
	m.ledger.mu.Unlock()

	row, err := m.backend.Labels.Update(ctx, sid, patch)

	var out Label
	m.ledger.mu.Lock()
	m.settle(id, tok, err,
		func() { m.store.UpsertLabel(pre) },
		func(current bool) { out = m.confirmLabel(row, current) },
	)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("label_id", sid).Msg("label update failed")
		return Label{}, fmt.Errorf("failed to update label %s: %w", sid, err)
	}
	return out, nil
}

// DeleteLabel removes the label and detaches it from every card. Label and
// assignments come back if the request fails.
func (m *Mutator) DeleteLabel(ctx context.Context, id EntityID) error {
	m.ledger.mu.Lock()
	if _, ok := m.store.Label(id); !ok {
		m.ledger.mu.Unlock()
		return nil
	}
	sid, confirmed := id.ServerID()
	if !confirmed {
		m.ledger.cancelCreate(id)
		m.store.RemoveLabel(id)
		m.ledger.mu.Unlock()
		return nil
	}
	tok := m.ledger.begin(id)
	pre, links, _ := m.store.RemoveLabel(id)
	m.ledger.bury(sid)
	m.ledger.mu.Unlock()

	err := m.backend.Labels.Delete(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}

	m.ledger.mu.Lock()
	if err != nil && m.ledger.current(id, tok) {
		m.ledger.unbury(sid)
		m.store.UpsertLabel(pre)
		for _, cl := range links {
			if _, ok := m.store.Card(cl.CardID); ok {
				m.store.UpsertCardLabel(cl)
			}
		}
	}
	if held := m.ledger.finish(id, tok); held != nil {
		held()
	}
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("label_id", sid).Int("assignments", len(links)).Msg("label delete failed, label restored")
		return fmt.Errorf("failed to delete label %s: %w", sid, err)
	}
	return nil
}

// AssignLabel attaches a label to a card. Assigning a label the card already
// carries returns the existing assignment.
func (m *Mutator) AssignLabel(ctx context.Context, cardID, labelID EntityID) (CardLabel, error) {
	m.ledger.mu.Lock()
	if _, ok := m.store.Card(cardID); !ok {
		m.ledger.mu.Unlock()
		return CardLabel{}, fmt.Errorf("failed to label card %s: %w", cardID, ErrNotFound)
	}
	if _, ok := m.store.Label(labelID); !ok {
		m.ledger.mu.Unlock()
		return CardLabel{}, fmt.Errorf("failed to label card %s: label %s: %w", cardID, labelID, ErrNotFound)
	}
	if cardID.IsPending() || labelID.IsPending() {
		m.ledger.mu.Unlock()
		return CardLabel{}, fmt.Errorf("failed to label card %s: %w", cardID, ErrNotConfirmed)
	}
	if cl, ok := m.store.Assignment(cardID, labelID); ok {
		m.ledger.mu.Unlock()
		return cl, nil
	}
	link := CardLabel{ID: NewPending(), CardID: cardID, LabelID: labelID, CreatedAt: m.now()}
	ref, _ := link.ID.Token()
	m.ledger.creates[ref] = &pendingCreate{id: link.ID}
	m.store.UpsertCardLabel(link)
	m.ledger.mu.Unlock()

	row := link.Row()
	row.ClientRef = ref
	saved, err := m.backend.CardLabels.Insert(ctx, row)

	m.ledger.mu.Lock()
	pc := m.ledger.creates[ref]
	delete(m.ledger.creates, ref)
	m.store.RemoveCardLabel(link.ID)
	if err != nil {
		m.ledger.mu.Unlock()
		m.logger.Warn().Err(err).Str("card_id", cardID.String()).Str("label_id", labelID.String()).Msg("label assignment failed")
		return CardLabel{}, fmt.Errorf("failed to label card %s: %w", cardID, err)
	}
	if pc != nil && pc.cancelled {
		m.ledger.bury(saved.ID)
		m.store.RemoveCardLabel(Confirmed(saved.ID))
		m.ledger.mu.Unlock()
		return CardLabel{}, m.compensate(ctx, m.backend.CardLabels.Delete, "card_label", saved.ID)
	}
	out := cardLabelFromRow(saved)
	_, cardOK := m.store.Card(out.CardID)
	_, labelOK := m.store.Label(out.LabelID)
	if !cardOK || !labelOK {
		m.ledger.mu.Unlock()
		return CardLabel{}, fmt.Errorf("failed to label card %s: card or label deleted meanwhile: %w", cardID, ErrNotFound)
	}
	if m.ledger.accept(saved.ID, 0) {
		m.store.UpsertCardLabel(out)
	}
	m.ledger.mu.Unlock()
	return out, nil
}

// UnassignLabel detaches a label from a card. It is a no-op when the card
// does not carry the label.
func (m *Mutator) UnassignLabel(ctx context.Context, cardID, labelID EntityID) error {
	m.ledger.mu.Lock()
	pre, ok := m.store.Assignment(cardID, labelID)
	if !ok {
		m.ledger.mu.Unlock()
		return nil
	}
	sid, confirmed := pre.ID.ServerID()
	if !confirmed {
		m.ledger.cancelCreate(pre.ID)
		m.store.RemoveCardLabel(pre.ID)
		m.ledger.mu.Unlock()
		return nil
	}
	tok := m.ledger.begin(pre.ID)
	m.store.RemoveCardLabel(pre.ID)
	m.ledger.bury(sid)
	m.ledger.mu.Unlock()

	err := m.backend.CardLabels.Delete(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}

	m.ledger.mu.Lock()
	if err != nil && m.ledger.current(pre.ID, tok) {
		m.ledger.unbury(sid)
		if _, ok := m.store.Card(cardID); ok {
			m.store.UpsertCardLabel(pre)
		}
	}
	m.ledger.finish(pre.ID, tok)
	m.ledger.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("card_label_id", sid).Msg("label unassign failed, assignment restored")
		return fmt.Errorf("failed to unlabel card %s: %w", cardID, err)
	}
	return nil
}
