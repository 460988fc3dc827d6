package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/CrowderSoup/kanban-sync/client"
	"github.com/CrowderSoup/kanban-sync/database"
	"github.com/CrowderSoup/kanban-sync/handlers"
	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
	"github.com/CrowderSoup/kanban-sync/services"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{DSN: filepath.Join(t.TempDir(), "test.db")}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	hub := services.NewHub(services.HubOptions{}, zerolog.Nop())
	go hub.Run(ctx)
	db.OnChange(hub.Publish)

	srv := httptest.NewServer(handlers.NewRouter(db, hub, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = db.Close()
	})
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) string {
	t.Helper()
	a := &app{cfg: Config{Server: srv.URL}}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func testSnapshot() models.Snapshot {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Snapshot{
		Board:   models.Board{ID: "b1", Name: "Roadmap", Version: 1, CreatedAt: at, UpdatedAt: at},
		Columns: []models.Column{{ID: "c1", BoardID: "b1", Name: "To Do", Version: 1, CreatedAt: at, UpdatedAt: at}},
		Cards: []models.Card{{
			ID: "k1", ColumnID: "c1", Title: "Ship", Priority: models.PriorityP1, Status: models.StatusNotStarted,
			ClientRef: "tok", Version: 1, CreatedAt: at, UpdatedAt: at,
		}},
	}
}

func Test_EncodeSnapshot_Writes_Supported_Formats(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()

		data, err := encodeSnapshot(testSnapshot(), "json", at)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, "2026-03-02T08:00:00Z", doc["exported_at"])
		assert.Contains(t, doc, "board")
		assert.Len(t, doc["cards"], 1)
	})

	t.Run("YAML", func(t *testing.T) {
		t.Parallel()

		data, err := encodeSnapshot(testSnapshot(), "yaml", at)
		require.NoError(t, err)

		var doc struct {
			Board struct {
				Name string `yaml:"name"`
			} `yaml:"board"`
			Cards []map[string]any `yaml:"cards"`
		}
		require.NoError(t, yaml.Unmarshal(data, &doc))
		assert.Equal(t, "Roadmap", doc.Board.Name)
		require.Len(t, doc.Cards, 1)
		assert.Equal(t, "Ship", doc.Cards[0]["title"])
		assert.NotContains(t, doc.Cards[0], "client_ref")
	})

	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()

		_, err := encodeSnapshot(testSnapshot(), "xml", at)
		require.Error(t, err)
	})
}

func Test_WriteExport_Replaces_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "board.json")
	require.NoError(t, os.WriteFile(path, []byte("old contents that are longer"), 0o644))

	require.NoError(t, writeExport(nil, path, []byte("new")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	var stdout bytes.Buffer
	require.NoError(t, writeExport(&stdout, "", []byte("to stdout")))
	assert.Equal(t, "to stdout", stdout.String())
}

func Test_CreateBoard_Then_List_And_Export(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	id := strings.TrimSpace(run(t, srv, "create-board", "Launch", "--columns", "Backlog,Done"))
	require.NotEmpty(t, id)

	listing := run(t, srv, "boards")
	assert.Contains(t, listing, id)
	assert.Contains(t, listing, "Launch")

	out := filepath.Join(t.TempDir(), "launch.yaml")
	run(t, srv, "export", "--board", id, "--format", "yaml", "--out", out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var snap models.Snapshot
	require.NoError(t, yaml.Unmarshal(data, &snap))
	assert.Equal(t, "Launch", snap.Board.Name)
	require.Len(t, snap.Columns, 2)
	assert.Equal(t, "Backlog", snap.Columns[0].Name)
}

func Test_CreateBoard_Rejects_Long_Column_Name(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	a := &app{cfg: Config{Server: srv.URL}}
	cmd := newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"create-board", "Launch", "--columns", strings.Repeat("x", 51)})

	require.ErrorIs(t, cmd.Execute(), realtime.ErrInvalid)
}

func openRepl(t *testing.T, srv *httptest.Server, columns ...string) (*repl, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	c, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)
	backend := c.Backend()
	board, err := backend.Boards.Insert(ctx, models.Board{Name: "Roadmap"})
	require.NoError(t, err)
	for _, name := range columns {
		_, err := backend.Columns.Insert(ctx, models.Column{BoardID: board.ID, Name: name})
		require.NoError(t, err)
	}

	feed := client.NewFeed(c.FeedURL(), client.FeedOptions{})
	session, err := realtime.Open(ctx, board.ID, backend, feed, realtime.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close()
		_ = feed.Close()
	})
	var out bytes.Buffer
	r := &repl{session: session, out: &out}
	t.Cleanup(r.follow())
	return r, &out
}

func titles(cards []realtime.Card) []string {
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.Title)
	}
	return out
}

func Test_Repl_Edits_Board(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, out := openRepl(t, newTestServer(t), "To Do", "Done")
	store := r.session.Store()
	exec := func(line string) {
		t.Helper()
		quit, err := r.exec(ctx, line)
		require.NoError(t, err, line)
		require.False(t, quit)
	}

	exec("add 1 Write docs")
	exec("add 1 Ship it")
	cols := store.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, []string{"Write docs", "Ship it"}, titles(store.Cards(cols[0].ID)))

	exec("mv 1.2 1.1")
	assert.Equal(t, []string{"Ship it", "Write docs"}, titles(store.Cards(cols[0].ID)))

	exec("mv 1.1 2")
	assert.Equal(t, []string{"Ship it"}, titles(store.Cards(cols[1].ID)))

	exec("set 2.1 priority p1")
	exec("set 2.1 status completed")
	exec("rename 1.1 Write better docs")
	done := store.Cards(cols[1].ID)[0]
	assert.Equal(t, models.PriorityP1, done.Priority)
	assert.Equal(t, models.StatusCompleted, done.Status)

	out.Reset()
	exec("find better")
	assert.Contains(t, out.String(), "1.1  Write better docs")

	out.Reset()
	exec("stats")
	assert.Contains(t, out.String(), "2 cards in 2 columns: 1 completed")

	exec("col-add Review")
	exec("cmv 3 1")
	assert.Equal(t, "Review", store.Columns()[0].Name)

	exec("col-rm 2 1")
	require.Len(t, store.Columns(), 2)
	assert.Len(t, store.Cards(store.Columns()[0].ID), 1, "cards of the removed column moved to Review")

	exec("rm 1.1")
	exec("board Roadmap 2027")
	board, _ := store.Board()
	assert.Equal(t, "Roadmap 2027", board.Name)

	out.Reset()
	exec("ls")
	assert.Contains(t, out.String(), "Roadmap 2027")
	assert.Contains(t, out.String(), "1. Review (0)")
	assert.Contains(t, out.String(), "2. Done (1)")
}

func Test_Repl_Labels_Cards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, out := openRepl(t, newTestServer(t), "To Do")
	store := r.session.Store()
	exec := func(line string) {
		t.Helper()
		quit, err := r.exec(ctx, line)
		require.NoError(t, err, line)
		require.False(t, quit)
	}

	exec("add 1 Fix login")
	exec("add 1 Write docs")
	exec("label-add red bug")
	exec("label-add blue needs design")

	out.Reset()
	exec("labels")
	assert.Contains(t, out.String(), "1. bug (red)")
	assert.Contains(t, out.String(), "2. needs design (blue)")

	exec("tag 1.1 1")
	exec("tag 1.2 2")
	out.Reset()
	exec("ls")
	assert.Contains(t, out.String(), "Fix login [P2, not_started] #bug")

	out.Reset()
	exec("tagged 1")
	assert.Contains(t, out.String(), "1.1  Fix login #bug")
	assert.NotContains(t, out.String(), "Write docs")

	exec("untag 1.1 1")
	card := store.Cards(store.Columns()[0].ID)[0]
	assert.Empty(t, store.LabelsOf(card.ID))

	exec("label-rm 2")
	require.Len(t, store.Labels(), 1)
	assert.Equal(t, "bug", store.Labels()[0].Name)
}

func Test_Repl_Rejects_Bad_Input(t *testing.T) {
	t.Parallel()

	r, _ := openRepl(t, newTestServer(t), "To Do")

	testCases := []struct {
		name string
		line string
	}{
		{name: "UnknownCommand", line: "frobnicate"},
		{name: "MissingTitle", line: "add 1"},
		{name: "NoSuchColumn", line: "add 7 Title"},
		{name: "BadCardReference", line: "rm 1"},
		{name: "NoSuchCard", line: "rm 1.4"},
		{name: "UnknownField", line: "set 1.1 colour red"},
		{name: "LongTitle", line: "add 1 " + strings.Repeat("x", 101)},
		{name: "UnknownColor", line: "label-add teal ops"},
		{name: "NoSuchLabel", line: "tag 1.1 3"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			quit, err := r.exec(context.Background(), testCase.line)
			require.Error(t, err)
			assert.False(t, quit)
		})
	}
}

func Test_Repl_Marks_Prompt_When_Board_Changes_Remotely(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newTestServer(t)
	r, _ := openRepl(t, srv, "To Do")
	quit, err := r.exec(ctx, "ls")
	require.NoError(t, err)
	require.False(t, quit)
	require.False(t, r.changed.Load())

	c, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)
	col := r.session.Store().Columns()[0]
	sid, _ := col.ID.ServerID()
	_, err = c.Backend().Cards.Insert(ctx, models.Card{ColumnID: sid, Title: "From elsewhere"})
	require.NoError(t, err)

	require.Eventually(t, r.changed.Load, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(r.prompt(), "kanban*"))

	_, err = r.exec(ctx, "ls")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(r.prompt(), "kanban*"))
}

func Test_Repl_Quits(t *testing.T) {
	t.Parallel()

	r, _ := openRepl(t, newTestServer(t))

	quit, err := r.exec(context.Background(), "quit")

	require.NoError(t, err)
	assert.True(t, quit)
}
