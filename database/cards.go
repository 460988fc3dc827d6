package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CrowderSoup/kanban-sync/models"
)

const cardColumns = `id, column_id, title, description, due_date, priority, status, position, assignee_id, client_ref, version, created_at, updated_at`

func scanCard(s scanner) (models.Card, error) {
	var (
		c           models.Card
		description sql.NullString
		dueDate     sql.NullTime
		assignee    sql.NullString
	)
	err := s.Scan(&c.ID, &c.ColumnID, &c.Title, &description, &dueDate, &c.Priority, &c.Status,
		&c.Position, &assignee, &c.ClientRef, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Card{}, err
	}
	c.Description = stringPtr(description)
	c.DueDate = timePtr(dueDate)
	c.AssigneeID = stringPtr(assignee)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func cardQuery(driver string, filter models.Filter) (string, []any) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE 1 = 1`
	var args []any
	if filter.BoardID != "" {
		query += ` AND column_id IN (SELECT id FROM board_columns WHERE board_id = ?)`
		args = append(args, filter.BoardID)
	}
	if filter.ID != "" {
		query += ` AND id = ?`
		args = append(args, filter.ID)
	}
	query += ` ORDER BY column_id, position, created_at, id`
	return rebind(driver, query), args
}

func collectCards(rows *sql.Rows) ([]models.Card, error) {
	defer rows.Close()
	cards := []models.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// SelectCards returns cards ordered by column then position. Filter.BoardID
// selects the cards of every column on that board.
func (db *DB) SelectCards(ctx context.Context, filter models.Filter) ([]models.Card, error) {
	query, args := cardQuery(db.driver, filter)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	return collectCards(rows)
}

func (tx *Tx) getCard(ctx context.Context, id string) (models.Card, error) {
	c, err := scanCard(tx.queryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Card{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to query card: %w", err)
	}
	return c, nil
}

// recordCardCascade records a delete for every card in a column about to be removed.
func (tx *Tx) recordCardCascade(ctx context.Context, columnID string) error {
	rows, err := tx.query(ctx, `SELECT `+cardColumns+` FROM cards WHERE column_id = ? ORDER BY position`, columnID)
	if err != nil {
		return fmt.Errorf("failed to query cards: %w", err)
	}
	cards, err := collectCards(rows)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if err := tx.recordCardLabelCascade(ctx, `card_id = ?`, c.ID); err != nil {
			return err
		}
		if err := tx.record(models.ChangeDelete, models.TableCards, c, nil); err != nil {
			return err
		}
	}
	return nil
}

// InsertCard appends a card to its column. Empty priority and status fall
// back to P2 and not_started.
func (db *DB) InsertCard(ctx context.Context, row models.Card) (models.Card, error) {
	var out models.Card
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.insertCard(ctx, row)
		return err
	})
	return out, err
}

func (tx *Tx) insertCard(ctx context.Context, row models.Card) (models.Card, error) {
	ok, err := tx.exists(ctx, "board_columns", row.ColumnID)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to query column: %w", err)
	}
	if !ok {
		return models.Card{}, fmt.Errorf("column %q: %w", row.ColumnID, ErrInvalidParent)
	}
	pos, err := tx.nextPosition(ctx, "cards", "column_id", row.ColumnID)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to find card position: %w", err)
	}

	if row.Priority == "" {
		row.Priority = models.PriorityP2
	}
	if row.Status == "" {
		row.Status = models.StatusNotStarted
	}
	row.ID = uuid.New().String()
	row.Position = pos
	row.Version = 1
	row.CreatedAt = tx.now
	row.UpdatedAt = tx.now

	_, err = tx.exec(ctx, `INSERT INTO cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ColumnID, row.Title, nullString(row.Description), nullTime(row.DueDate), row.Priority, row.Status,
		row.Position, nullString(row.AssigneeID), row.ClientRef, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to insert card: %w", err)
	}
	return row, tx.record(models.ChangeInsert, models.TableCards, nil, row)
}

// UpdateCard applies patch and bumps the card's version. A ColumnID patch
// must name an existing column.
func (db *DB) UpdateCard(ctx context.Context, id string, patch models.CardPatch) (models.Card, error) {
	var out models.Card
	err := db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getCard(ctx, id)
		if err != nil {
			return err
		}
		out = before
		if patch.Title != nil {
			out.Title = *patch.Title
		}
		if patch.Description != nil {
			d := *patch.Description
			out.Description = &d
		}
		if patch.DueDate != nil {
			due := patch.DueDate.UTC()
			out.DueDate = &due
		}
		if patch.Priority != nil {
			out.Priority = *patch.Priority
		}
		if patch.Status != nil {
			out.Status = *patch.Status
		}
		if patch.Position != nil {
			out.Position = *patch.Position
		}
		if patch.AssigneeID != nil {
			a := *patch.AssigneeID
			out.AssigneeID = &a
		}
		if patch.ColumnID != nil && *patch.ColumnID != before.ColumnID {
			ok, err := tx.exists(ctx, "board_columns", *patch.ColumnID)
			if err != nil {
				return fmt.Errorf("failed to query column: %w", err)
			}
			if !ok {
				return fmt.Errorf("column %q: %w", *patch.ColumnID, ErrInvalidParent)
			}
			out.ColumnID = *patch.ColumnID
		}
		out, err = tx.saveCard(ctx, before, out)
		return err
	})
	return out, err
}

func (tx *Tx) saveCard(ctx context.Context, before, after models.Card) (models.Card, error) {
	after.Version = before.Version + 1
	after.UpdatedAt = tx.now
	_, err := tx.exec(ctx, `UPDATE cards SET column_id = ?, title = ?, description = ?, due_date = ?, priority = ?,
		status = ?, position = ?, assignee_id = ?, version = ?, updated_at = ? WHERE id = ?`,
		after.ColumnID, after.Title, nullString(after.Description), nullTime(after.DueDate), after.Priority,
		after.Status, after.Position, nullString(after.AssigneeID), after.Version, after.UpdatedAt, after.ID)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to update card: %w", err)
	}
	return after, tx.record(models.ChangeUpdate, models.TableCards, before, after)
}

// RepositionCards writes the given column and position of every placement.
// An empty ParentID keeps the card's column.
func (db *DB) RepositionCards(ctx context.Context, placements []models.Placement) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		for _, p := range placements {
			before, err := tx.getCard(ctx, p.ID)
			if err != nil {
				return err
			}
			after := before
			after.Position = p.Position
			if p.ParentID != "" && p.ParentID != before.ColumnID {
				ok, err := tx.exists(ctx, "board_columns", p.ParentID)
				if err != nil {
					return fmt.Errorf("failed to query column: %w", err)
				}
				if !ok {
					return fmt.Errorf("column %q: %w", p.ParentID, ErrInvalidParent)
				}
				after.ColumnID = p.ParentID
			}
			if _, err := tx.saveCard(ctx, before, after); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCard removes one card.
func (db *DB) DeleteCard(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getCard(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.recordCardLabelCascade(ctx, `card_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete card: %w", err)
		}
		return tx.record(models.ChangeDelete, models.TableCards, before, nil)
	})
}

// Snapshot loads a whole board with its labels.
func (db *DB) Snapshot(ctx context.Context, boardID string) (models.Snapshot, error) {
	boards, err := db.SelectBoards(ctx, models.Filter{ID: boardID})
	if err != nil {
		return models.Snapshot{}, err
	}
	if len(boards) == 0 {
		return models.Snapshot{}, fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	cols, err := db.SelectColumns(ctx, models.Filter{BoardID: boardID})
	if err != nil {
		return models.Snapshot{}, err
	}
	cards, err := db.SelectCards(ctx, models.Filter{BoardID: boardID})
	if err != nil {
		return models.Snapshot{}, err
	}
	labels, err := db.SelectLabels(ctx, models.Filter{BoardID: boardID})
	if err != nil {
		return models.Snapshot{}, err
	}
	links, err := db.SelectCardLabels(ctx, models.Filter{BoardID: boardID})
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Board: boards[0], Columns: cols, Cards: cards, Labels: labels, CardLabels: links}, nil
}
