package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

// ParseSeed reads a JSONC seed document.
func ParseSeed(data []byte) (SeedData, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return SeedData{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var seed SeedData
	if err := json.Unmarshal(standardized, &seed); err != nil {
		return SeedData{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return seed, nil
}

// SeedFile imports the boards of a JSONC file.
func (db *DB) SeedFile(ctx context.Context, path string) ([]models.Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return db.Seed(ctx, seed)
}

// Seed creates every board in the document whose name is not taken yet, in
// one transaction. It returns the boards it created.
func (db *DB) Seed(ctx context.Context, seed SeedData) ([]models.Board, error) {
	existing, err := db.SelectBoards(ctx, models.Filter{})
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, b := range existing {
		taken[b.Name] = true
	}

	var created []models.Board
	err = db.Transaction(ctx, func(tx *Tx) error {
		for _, sb := range seed.Boards {
			if taken[sb.Name] {
				db.logger.Info().Str("board", sb.Name).Msg("seed board already exists, skipping")
				continue
			}
			board, err := tx.seedBoard(ctx, sb)
			if err != nil {
				return fmt.Errorf("board %q: %w", sb.Name, err)
			}
			taken[sb.Name] = true
			created = append(created, board)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}
	return created, nil
}

func (tx *Tx) seedBoard(ctx context.Context, sb SeedBoard) (models.Board, error) {
	if err := realtime.ValidateBoardName(sb.Name); err != nil {
		return models.Board{}, err
	}
	board, err := tx.insertBoard(ctx, models.Board{Name: strings.TrimSpace(sb.Name)})
	if err != nil {
		return models.Board{}, err
	}
	labels := make(map[string]string, len(sb.Labels))
	for _, sl := range sb.Labels {
		color := models.LabelColor(strings.ToLower(sl.Color))
		if color == "" {
			color = models.LabelGray
		}
		if err := realtime.ValidateLabel(sl.Name, color); err != nil {
			return models.Board{}, fmt.Errorf("label %q: %w", sl.Name, err)
		}
		l, err := tx.insertLabel(ctx, models.Label{BoardID: board.ID, Name: strings.TrimSpace(sl.Name), Color: color})
		if err != nil {
			return models.Board{}, err
		}
		labels[l.Name] = l.ID
	}
	for _, sc := range sb.Columns {
		if err := realtime.ValidateColumnName(sc.Title); err != nil {
			return models.Board{}, fmt.Errorf("column %q: %w", sc.Title, err)
		}
		col, err := tx.insertColumn(ctx, models.Column{BoardID: board.ID, Name: strings.TrimSpace(sc.Title), Color: sc.Color})
		if err != nil {
			return models.Board{}, err
		}
		for _, st := range sc.Tasks {
			card, err := st.card(col.ID)
			if err != nil {
				return models.Board{}, fmt.Errorf("task %q: %w", st.Title, err)
			}
			saved, err := tx.insertCard(ctx, card)
			if err != nil {
				return models.Board{}, err
			}
			for _, name := range st.Labels {
				labelID, ok := labels[strings.TrimSpace(name)]
				if !ok {
					return models.Board{}, fmt.Errorf("task %q: label %q: %w", st.Title, name, ErrInvalidParent)
				}
				if _, err := tx.insertCardLabel(ctx, models.CardLabel{CardID: saved.ID, LabelID: labelID}); err != nil {
					return models.Board{}, fmt.Errorf("task %q: %w", st.Title, err)
				}
			}
		}
	}
	return board, nil
}

func (st SeedTask) card(columnID string) (models.Card, error) {
	title := strings.TrimSpace(st.Title)
	patch := models.CardPatch{Title: &title}
	card := models.Card{ColumnID: columnID, Title: title, AssigneeID: st.AssigneeID}
	if st.Description != "" {
		d := st.Description
		card.Description = &d
	}
	if st.Priority != nil {
		p := models.Priority(strings.ToUpper(*st.Priority))
		patch.Priority = &p
		card.Priority = p
	}
	if st.Status != nil {
		s := models.Status(*st.Status)
		patch.Status = &s
		card.Status = s
	}
	if err := realtime.ValidateCardPatch(patch); err != nil {
		return models.Card{}, err
	}
	if st.DueDate != "" {
		due, err := parseDueDate(st.DueDate)
		if err != nil {
			return models.Card{}, err
		}
		card.DueDate = &due
	}
	return card, nil
}

func parseDueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q", s)
	}
	return t.UTC(), nil
}
