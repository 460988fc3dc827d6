package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CrowderSoup/kanban-sync/models"
)

const (
	labelColumns     = `id, board_id, name, color, client_ref, version, created_at, updated_at`
	cardLabelColumns = `id, card_id, label_id, client_ref, created_at`
)

func scanLabel(s scanner) (models.Label, error) {
	var l models.Label
	err := s.Scan(&l.ID, &l.BoardID, &l.Name, &l.Color, &l.ClientRef, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return models.Label{}, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func scanCardLabel(s scanner) (models.CardLabel, error) {
	var cl models.CardLabel
	if err := s.Scan(&cl.ID, &cl.CardID, &cl.LabelID, &cl.ClientRef, &cl.CreatedAt); err != nil {
		return models.CardLabel{}, err
	}
	cl.CreatedAt = cl.CreatedAt.UTC()
	return cl, nil
}

// SelectLabels returns labels ordered by name.
func (db *DB) SelectLabels(ctx context.Context, filter models.Filter) ([]models.Label, error) {
	query := `SELECT ` + labelColumns + ` FROM labels WHERE 1 = 1`
	var args []any
	if filter.BoardID != "" {
		query += ` AND board_id = ?`
		args = append(args, filter.BoardID)
	}
	if filter.ID != "" {
		query += ` AND id = ?`
		args = append(args, filter.ID)
	}
	query += ` ORDER BY name, id`

	rows, err := db.QueryContext(ctx, rebind(db.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()
	labels := []models.Label{}
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func collectCardLabels(rows *sql.Rows) ([]models.CardLabel, error) {
	defer rows.Close()
	out := []models.CardLabel{}
	for rows.Next() {
		cl, err := scanCardLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card label: %w", err)
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// SelectCardLabels returns label assignments. Filter.BoardID selects those
// whose label belongs to the board.
func (db *DB) SelectCardLabels(ctx context.Context, filter models.Filter) ([]models.CardLabel, error) {
	query := `SELECT ` + cardLabelColumns + ` FROM card_labels WHERE 1 = 1`
	var args []any
	if filter.BoardID != "" {
		query += ` AND label_id IN (SELECT id FROM labels WHERE board_id = ?)`
		args = append(args, filter.BoardID)
	}
	if filter.ID != "" {
		query += ` AND id = ?`
		args = append(args, filter.ID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, rebind(db.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query card labels: %w", err)
	}
	return collectCardLabels(rows)
}

func (tx *Tx) getLabel(ctx context.Context, id string) (models.Label, error) {
	l, err := scanLabel(tx.queryRow(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Label{}, fmt.Errorf("label %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Label{}, fmt.Errorf("failed to query label: %w", err)
	}
	return l, nil
}

// InsertLabel stores a new label on its board.
func (db *DB) InsertLabel(ctx context.Context, row models.Label) (models.Label, error) {
	var out models.Label
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.insertLabel(ctx, row)
		return err
	})
	return out, err
}

func (tx *Tx) insertLabel(ctx context.Context, row models.Label) (models.Label, error) {
	ok, err := tx.exists(ctx, "boards", row.BoardID)
	if err != nil {
		return models.Label{}, fmt.Errorf("failed to query board: %w", err)
	}
	if !ok {
		return models.Label{}, fmt.Errorf("board %q: %w", row.BoardID, ErrInvalidParent)
	}
	if row.Color == "" {
		row.Color = models.LabelGray
	}
	row.ID = uuid.New().String()
	row.Version = 1
	row.CreatedAt = tx.now
	row.UpdatedAt = tx.now

	_, err = tx.exec(ctx, `INSERT INTO labels (`+labelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.BoardID, row.Name, row.Color, row.ClientRef, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return models.Label{}, fmt.Errorf("failed to insert label: %w", err)
	}
	return row, tx.record(models.ChangeInsert, models.TableLabels, nil, row)
}

// UpdateLabel applies patch and bumps the label's version.
func (db *DB) UpdateLabel(ctx context.Context, id string, patch models.LabelPatch) (models.Label, error) {
	var out models.Label
	err := db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getLabel(ctx, id)
		if err != nil {
			return err
		}
		out = before
		if patch.Name != nil {
			out.Name = *patch.Name
		}
		if patch.Color != nil {
			out.Color = *patch.Color
		}
		out.Version++
		out.UpdatedAt = tx.now
		_, err = tx.exec(ctx, `UPDATE labels SET name = ?, color = ?, version = ?, updated_at = ? WHERE id = ?`,
			out.Name, out.Color, out.Version, out.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update label: %w", err)
		}
		return tx.record(models.ChangeUpdate, models.TableLabels, before, out)
	})
	return out, err
}

// DeleteLabel removes a label and detaches it from every card.
func (db *DB) DeleteLabel(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getLabel(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.recordCardLabelCascade(ctx, `label_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM labels WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete label: %w", err)
		}
		return tx.record(models.ChangeDelete, models.TableLabels, before, nil)
	})
}

// InsertCardLabel attaches a label to a card of the same board. Attaching it
// twice fails with ErrDuplicate.
func (db *DB) InsertCardLabel(ctx context.Context, row models.CardLabel) (models.CardLabel, error) {
	var out models.CardLabel
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.insertCardLabel(ctx, row)
		return err
	})
	return out, err
}

func (tx *Tx) insertCardLabel(ctx context.Context, row models.CardLabel) (models.CardLabel, error) {
	var cardBoard, labelBoard string
	err := tx.queryRow(ctx,
		`SELECT bc.board_id FROM cards c JOIN board_columns bc ON bc.id = c.column_id WHERE c.id = ?`, row.CardID,
	).Scan(&cardBoard)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CardLabel{}, fmt.Errorf("card %q: %w", row.CardID, ErrInvalidParent)
	}
	if err != nil {
		return models.CardLabel{}, fmt.Errorf("failed to query card: %w", err)
	}
	err = tx.queryRow(ctx, `SELECT board_id FROM labels WHERE id = ?`, row.LabelID).Scan(&labelBoard)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CardLabel{}, fmt.Errorf("label %q: %w", row.LabelID, ErrInvalidParent)
	}
	if err != nil {
		return models.CardLabel{}, fmt.Errorf("failed to query label: %w", err)
	}
	if cardBoard != labelBoard {
		return models.CardLabel{}, fmt.Errorf("label %q belongs to another board: %w", row.LabelID, ErrInvalidParent)
	}
	var n int
	err = tx.queryRow(ctx, `SELECT COUNT(*) FROM card_labels WHERE card_id = ? AND label_id = ?`, row.CardID, row.LabelID).Scan(&n)
	if err != nil {
		return models.CardLabel{}, fmt.Errorf("failed to query card labels: %w", err)
	}
	if n > 0 {
		return models.CardLabel{}, fmt.Errorf("label %q on card %q: %w", row.LabelID, row.CardID, ErrDuplicate)
	}

	row.ID = uuid.New().String()
	row.CreatedAt = tx.now
	_, err = tx.exec(ctx, `INSERT INTO card_labels (`+cardLabelColumns+`) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.CardID, row.LabelID, row.ClientRef, row.CreatedAt)
	if err != nil {
		return models.CardLabel{}, fmt.Errorf("failed to insert card label: %w", err)
	}
	return row, tx.record(models.ChangeInsert, models.TableCardLabels, nil, row)
}

// DeleteCardLabel detaches one label from a card.
func (db *DB) DeleteCardLabel(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		before, err := scanCardLabel(tx.queryRow(ctx, `SELECT `+cardLabelColumns+` FROM card_labels WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("card label %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query card label: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM card_labels WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete card label: %w", err)
		}
		return tx.record(models.ChangeDelete, models.TableCardLabels, before, nil)
	})
}

// recordCardLabelCascade records a delete for every assignment matching where,
// ahead of a delete that removes them through foreign keys.
func (tx *Tx) recordCardLabelCascade(ctx context.Context, where string, args ...any) error {
	rows, err := tx.query(ctx, `SELECT `+cardLabelColumns+` FROM card_labels WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return fmt.Errorf("failed to query card labels: %w", err)
	}
	links, err := collectCardLabels(rows)
	if err != nil {
		return err
	}
	for _, cl := range links {
		if err := tx.record(models.ChangeDelete, models.TableCardLabels, cl, nil); err != nil {
			return err
		}
	}
	return nil
}

// recordLabelCascade records a delete for every label of a board about to be
// removed. Assignments were recorded with the cards.
func (tx *Tx) recordLabelCascade(ctx context.Context, boardID string) error {
	rows, err := tx.query(ctx, `SELECT `+labelColumns+` FROM labels WHERE board_id = ? ORDER BY name, id`, boardID)
	if err != nil {
		return fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()
	var labels []models.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, l := range labels {
		if err := tx.record(models.ChangeDelete, models.TableLabels, l, nil); err != nil {
			return err
		}
	}
	return nil
}
