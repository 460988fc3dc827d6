package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/database"
	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

// RowsHandler serves row-level CRUD for boards, columns, cards and labels.
type RowsHandler struct {
	db     *database.DB
	logger zerolog.Logger
}

func NewRowsHandler(db *database.DB, logger zerolog.Logger) *RowsHandler {
	return &RowsHandler{db: db, logger: logger}
}

// Register adds the row routes to r.
func (h *RowsHandler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/boards/{id}/snapshot", h.Snapshot).Methods(http.MethodGet)
	api.HandleFunc("/{table}", h.Select).Methods(http.MethodGet)
	api.HandleFunc("/{table}", h.Insert).Methods(http.MethodPost)
	api.HandleFunc("/{table}/positions", h.Reposition).Methods(http.MethodPut)
	api.HandleFunc("/{table}/{id}", h.Update).Methods(http.MethodPatch)
	api.HandleFunc("/{table}/{id}", h.Delete).Methods(http.MethodDelete)
}

type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

func (h *RowsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, realtime.ErrInvalid), errors.Is(err, database.ErrInvalidParent):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrDuplicate):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "Server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: "error", Error: msg})
}

func invalid(field, reason string) error {
	return &realtime.ValidationError{Field: field, Reason: reason}
}

func table(r *http.Request) (models.Table, error) {
	t := models.Table(mux.Vars(r)["table"])
	if !t.Valid() {
		return "", errNoTable
	}
	return t, nil
}

var errNoTable = errors.New("unknown table")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("body", "is not valid JSON: "+err.Error())
	}
	return nil
}

// Select lists rows. Query parameters id and board_id narrow the result.
func (h *RowsHandler) Select(w http.ResponseWriter, r *http.Request) {
	t, err := table(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	filter := models.Filter{ID: r.URL.Query().Get("id"), BoardID: r.URL.Query().Get("board_id")}

	var rows any
	switch t {
	case models.TableBoards:
		rows, err = h.db.SelectBoards(r.Context(), filter)
	case models.TableColumns:
		rows, err = h.db.SelectColumns(r.Context(), filter)
	case models.TableCards:
		rows, err = h.db.SelectCards(r.Context(), filter)
	case models.TableLabels:
		rows, err = h.db.SelectLabels(r.Context(), filter)
	case models.TableCardLabels:
		rows, err = h.db.SelectCardLabels(r.Context(), filter)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Insert creates a row. The server assigns id, position and version.
func (h *RowsHandler) Insert(w http.ResponseWriter, r *http.Request) {
	t, err := table(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var saved any
	switch t {
	case models.TableBoards:
		var row models.Board
		if err = decode(r, &row); err == nil {
			if err = realtime.ValidateBoardName(row.Name); err == nil {
				row.Name = strings.TrimSpace(row.Name)
				saved, err = h.db.InsertBoard(r.Context(), row)
			}
		}
	case models.TableColumns:
		var row models.Column
		if err = decode(r, &row); err == nil {
			if err = validateColumn(row); err == nil {
				row.Name = strings.TrimSpace(row.Name)
				saved, err = h.db.InsertColumn(r.Context(), row)
			}
		}
	case models.TableCards:
		var row models.Card
		if err = decode(r, &row); err == nil {
			if err = validateCard(row); err == nil {
				row.Title = strings.TrimSpace(row.Title)
				saved, err = h.db.InsertCard(r.Context(), row)
			}
		}
	case models.TableLabels:
		var row models.Label
		if err = decode(r, &row); err == nil {
			if err = validateLabel(row); err == nil {
				row.Name = strings.TrimSpace(row.Name)
				saved, err = h.db.InsertLabel(r.Context(), row)
			}
		}
	case models.TableCardLabels:
		var row models.CardLabel
		if err = decode(r, &row); err == nil {
			switch {
			case row.CardID == "":
				err = invalid("card_id", "is required")
			case row.LabelID == "":
				err = invalid("label_id", "is required")
			default:
				saved, err = h.db.InsertCardLabel(r.Context(), row)
			}
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func validateColumn(row models.Column) error {
	if row.BoardID == "" {
		return invalid("board_id", "is required")
	}
	return realtime.ValidateColumnName(row.Name)
}

func validateLabel(row models.Label) error {
	if row.BoardID == "" {
		return invalid("board_id", "is required")
	}
	if row.Color == "" {
		row.Color = models.LabelGray
	}
	return realtime.ValidateLabel(row.Name, row.Color)
}

func validateCard(row models.Card) error {
	if row.ColumnID == "" {
		return invalid("column_id", "is required")
	}
	patch := models.CardPatch{Title: &row.Title}
	if row.Priority != "" {
		patch.Priority = &row.Priority
	}
	if row.Status != "" {
		patch.Status = &row.Status
	}
	return realtime.ValidateCardPatch(patch)
}

// Update applies a partial update and bumps the row version.
func (h *RowsHandler) Update(w http.ResponseWriter, r *http.Request) {
	t, err := table(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	id := mux.Vars(r)["id"]

	var saved any
	switch t {
	case models.TableBoards:
		var patch models.BoardPatch
		if err = decode(r, &patch); err == nil {
			if patch.Name != nil {
				err = realtime.ValidateBoardName(*patch.Name)
			}
			if err == nil {
				saved, err = h.db.UpdateBoard(r.Context(), id, patch)
			}
		}
	case models.TableColumns:
		var patch models.ColumnPatch
		if err = decode(r, &patch); err == nil {
			if patch.Name != nil {
				err = realtime.ValidateColumnName(*patch.Name)
			}
			if err == nil {
				saved, err = h.db.UpdateColumn(r.Context(), id, patch)
			}
		}
	case models.TableCards:
		var patch models.CardPatch
		if err = decode(r, &patch); err == nil {
			if err = realtime.ValidateCardPatch(patch); err == nil {
				saved, err = h.db.UpdateCard(r.Context(), id, patch)
			}
		}
	case models.TableLabels:
		var patch models.LabelPatch
		if err = decode(r, &patch); err == nil {
			if err = realtime.ValidateLabelPatch(patch); err == nil {
				saved, err = h.db.UpdateLabel(r.Context(), id, patch)
			}
		}
	case models.TableCardLabels:
		err = invalid("table", "label assignments cannot be edited, delete and insert instead")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Delete removes a row and everything under it.
func (h *RowsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	t, err := table(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	id := mux.Vars(r)["id"]

	switch t {
	case models.TableBoards:
		err = h.db.DeleteBoard(r.Context(), id)
	case models.TableColumns:
		err = h.db.DeleteColumn(r.Context(), id)
	case models.TableCards:
		err = h.db.DeleteCard(r.Context(), id)
	case models.TableLabels:
		err = h.db.DeleteLabel(r.Context(), id)
	case models.TableCardLabels:
		err = h.db.DeleteCardLabel(r.Context(), id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// Reposition writes a batch of positions in one transaction.
func (h *RowsHandler) Reposition(w http.ResponseWriter, r *http.Request) {
	t, err := table(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var placements []models.Placement
	if err := decode(r, &placements); err != nil {
		h.fail(w, r, err)
		return
	}
	for _, p := range placements {
		if p.ID == "" || p.Position < 0 {
			h.fail(w, r, invalid("placement", "needs an id and a non-negative position"))
			return
		}
	}

	switch t {
	case models.TableColumns:
		err = h.db.RepositionColumns(r.Context(), placements)
	case models.TableCards:
		err = h.db.RepositionCards(r.Context(), placements)
	default:
		err = invalid("table", string(t)+" have no position")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// Snapshot returns a board with its columns and cards.
func (h *RowsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.db.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Health reports whether the database answers.
func (h *RowsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"database": "ok"})
}
