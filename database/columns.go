package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CrowderSoup/kanban-sync/models"
)

const columnColumns = `id, board_id, name, position, color, client_ref, version, created_at, updated_at`

func scanColumn(s scanner) (models.Column, error) {
	var (
		c     models.Column
		color sql.NullString
	)
	err := s.Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &color, &c.ClientRef, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Column{}, err
	}
	c.Color = stringPtr(color)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func columnQuery(driver string, filter models.Filter) (string, []any) {
	query := `SELECT ` + columnColumns + ` FROM board_columns WHERE 1 = 1`
	var args []any
	if filter.BoardID != "" {
		query += ` AND board_id = ?`
		args = append(args, filter.BoardID)
	}
	if filter.ID != "" {
		query += ` AND id = ?`
		args = append(args, filter.ID)
	}
	query += ` ORDER BY position, created_at, id`
	return rebind(driver, query), args
}

func collectColumns(rows *sql.Rows) ([]models.Column, error) {
	defer rows.Close()
	cols := []models.Column{}
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SelectColumns returns columns ordered by position.
func (db *DB) SelectColumns(ctx context.Context, filter models.Filter) ([]models.Column, error) {
	query, args := columnQuery(db.driver, filter)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	return collectColumns(rows)
}

func (tx *Tx) selectColumns(ctx context.Context, filter models.Filter) ([]models.Column, error) {
	query, args := columnQuery("", filter)
	rows, err := tx.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	return collectColumns(rows)
}

func (tx *Tx) getColumn(ctx context.Context, id string) (models.Column, error) {
	c, err := scanColumn(tx.queryRow(ctx, `SELECT `+columnColumns+` FROM board_columns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Column{}, fmt.Errorf("column %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Column{}, fmt.Errorf("failed to query column: %w", err)
	}
	return c, nil
}

// InsertColumn appends a column to its board.
func (db *DB) InsertColumn(ctx context.Context, row models.Column) (models.Column, error) {
	var out models.Column
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.insertColumn(ctx, row)
		return err
	})
	return out, err
}

func (tx *Tx) insertColumn(ctx context.Context, row models.Column) (models.Column, error) {
	ok, err := tx.exists(ctx, "boards", row.BoardID)
	if err != nil {
		return models.Column{}, fmt.Errorf("failed to query board: %w", err)
	}
	if !ok {
		return models.Column{}, fmt.Errorf("board %q: %w", row.BoardID, ErrInvalidParent)
	}
	pos, err := tx.nextPosition(ctx, "board_columns", "board_id", row.BoardID)
	if err != nil {
		return models.Column{}, fmt.Errorf("failed to find column position: %w", err)
	}

	row.ID = uuid.New().String()
	row.Position = pos
	row.Version = 1
	row.CreatedAt = tx.now
	row.UpdatedAt = tx.now

	_, err = tx.exec(ctx, `INSERT INTO board_columns (`+columnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.BoardID, row.Name, row.Position, nullString(row.Color), row.ClientRef, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return models.Column{}, fmt.Errorf("failed to insert column: %w", err)
	}
	return row, tx.record(models.ChangeInsert, models.TableColumns, nil, row)
}

// UpdateColumn applies patch and bumps the column's version.
func (db *DB) UpdateColumn(ctx context.Context, id string, patch models.ColumnPatch) (models.Column, error) {
	var out models.Column
	err := db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getColumn(ctx, id)
		if err != nil {
			return err
		}
		out = before
		if patch.Name != nil {
			out.Name = *patch.Name
		}
		if patch.Position != nil {
			out.Position = *patch.Position
		}
		if patch.Color != nil {
			color := *patch.Color
			out.Color = &color
		}
		return tx.saveColumn(ctx, before, out)
	})
	return out, err
}

func (tx *Tx) saveColumn(ctx context.Context, before, after models.Column) error {
	after.Version = before.Version + 1
	after.UpdatedAt = tx.now
	_, err := tx.exec(ctx,
		`UPDATE board_columns SET name = ?, position = ?, color = ?, version = ?, updated_at = ? WHERE id = ?`,
		after.Name, after.Position, nullString(after.Color), after.Version, after.UpdatedAt, after.ID)
	if err != nil {
		return fmt.Errorf("failed to update column: %w", err)
	}
	return tx.record(models.ChangeUpdate, models.TableColumns, before, after)
}

// RepositionColumns writes the given positions. ParentID is ignored; columns
// never change board.
func (db *DB) RepositionColumns(ctx context.Context, placements []models.Placement) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		for _, p := range placements {
			before, err := tx.getColumn(ctx, p.ID)
			if err != nil {
				return err
			}
			after := before
			after.Position = p.Position
			if err := tx.saveColumn(ctx, before, after); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteColumn removes a column and the cards in it.
func (db *DB) DeleteColumn(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getColumn(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.recordCardCascade(ctx, id); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM board_columns WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete column: %w", err)
		}
		return tx.record(models.ChangeDelete, models.TableColumns, before, nil)
	})
}
