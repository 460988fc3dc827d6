package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CrowderSoup/kanban-sync/models"
)

const boardColumns = `id, name, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBoard(s scanner) (models.Board, error) {
	var b models.Board
	if err := s.Scan(&b.ID, &b.Name, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Board{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// SelectBoards returns boards ordered by creation. Filter.ID and Filter.BoardID
// both select a single board.
func (db *DB) SelectBoards(ctx context.Context, filter models.Filter) ([]models.Board, error) {
	query := `SELECT ` + boardColumns + ` FROM boards`
	var args []any
	id := filter.ID
	if id == "" {
		id = filter.BoardID
	}
	if id != "" {
		query += ` WHERE id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, rebind(db.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	boards := []models.Board{}
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

// InsertBoard stores a new board under a fresh id.
func (db *DB) InsertBoard(ctx context.Context, row models.Board) (models.Board, error) {
	var out models.Board
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.insertBoard(ctx, row)
		return err
	})
	return out, err
}

func (tx *Tx) insertBoard(ctx context.Context, row models.Board) (models.Board, error) {
	row.ID = uuid.New().String()
	row.Version = 1
	row.CreatedAt = tx.now
	row.UpdatedAt = tx.now

	_, err := tx.exec(ctx, `INSERT INTO boards (`+boardColumns+`) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.Name, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return models.Board{}, fmt.Errorf("failed to insert board: %w", err)
	}
	return row, tx.record(models.ChangeInsert, models.TableBoards, nil, row)
}

func (tx *Tx) getBoard(ctx context.Context, id string) (models.Board, error) {
	b, err := scanBoard(tx.queryRow(ctx, `SELECT `+boardColumns+` FROM boards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Board{}, fmt.Errorf("board %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Board{}, fmt.Errorf("failed to query board: %w", err)
	}
	return b, nil
}

// UpdateBoard applies patch and bumps the board's version.
func (db *DB) UpdateBoard(ctx context.Context, id string, patch models.BoardPatch) (models.Board, error) {
	var out models.Board
	err := db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getBoard(ctx, id)
		if err != nil {
			return err
		}
		out = before
		if patch.Name != nil {
			out.Name = *patch.Name
		}
		out.Version++
		out.UpdatedAt = tx.now

		_, err = tx.exec(ctx, `UPDATE boards SET name = ?, version = ?, updated_at = ? WHERE id = ?`,
			out.Name, out.Version, out.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update board: %w", err)
		}
		return tx.record(models.ChangeUpdate, models.TableBoards, before, out)
	})
	return out, err
}

// DeleteBoard removes a board with its columns, cards and labels. One delete
// change is recorded per removed row, children first.
func (db *DB) DeleteBoard(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *Tx) error {
		before, err := tx.getBoard(ctx, id)
		if err != nil {
			return err
		}
		cols, err := tx.selectColumns(ctx, models.Filter{BoardID: id})
		if err != nil {
			return err
		}
		for _, col := range cols {
			if err := tx.recordCardCascade(ctx, col.ID); err != nil {
				return err
			}
		}
		for _, col := range cols {
			if err := tx.record(models.ChangeDelete, models.TableColumns, col, nil); err != nil {
				return err
			}
		}
		if err := tx.recordLabelCascade(ctx, id); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM boards WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete board: %w", err)
		}
		return tx.record(models.ChangeDelete, models.TableBoards, before, nil)
	})
}
