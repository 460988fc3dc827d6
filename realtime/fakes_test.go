package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/kanban-sync/models"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeServer is an in-memory backend. Every call is recorded by name
// ("cards.insert", "columns.bulk", ...); fail makes the next call with that
// name return an error, and hooks run after the call commits.
type fakeServer struct {
	mu      sync.Mutex
	seq     int
	boards  map[string]models.Board
	columns map[string]models.Column
	cards   map[string]models.Card
	labels  map[string]models.Label
	links   map[string]models.CardLabel
	calls   []string
	fail    map[string]error
	hooks   map[string]func(any)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		boards:  make(map[string]models.Board),
		columns: make(map[string]models.Column),
		cards:   make(map[string]models.Card),
		labels:  make(map[string]models.Label),
		links:   make(map[string]models.CardLabel),
		fail:    make(map[string]error),
		hooks:   make(map[string]func(any)),
	}
}

func (s *fakeServer) backend() Backend {
	return Backend{
		Boards:     fakeBoards{s},
		Columns:    fakeColumns{s},
		Cards:      fakeCards{s},
		Labels:     fakeLabels{s},
		CardLabels: fakeCardLabels{s},
	}
}

func (s *fakeServer) failNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

// hook registers fn to run once, after the next call named op.
func (s *fakeServer) hook(op string, fn func(any)) {
	s.mu.Lock()
	s.hooks[op] = fn
	s.mu.Unlock()
}

func (s *fakeServer) callsTo(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (s *fakeServer) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return err
	}
	return nil
}

func (s *fakeServer) after(op string, v any) {
	s.mu.Lock()
	fn := s.hooks[op]
	delete(s.hooks, op)
	s.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (s *fakeServer) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeServer) addBoard(id, name string) models.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := models.Board{ID: id, Name: name, Version: 1, CreatedAt: testNow, UpdatedAt: testNow}
	s.boards[id] = b
	return b
}

func (s *fakeServer) addColumn(boardID, id, name string, pos int) models.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := models.Column{ID: id, BoardID: boardID, Name: name, Position: pos, Version: 1, CreatedAt: testNow, UpdatedAt: testNow}
	s.columns[id] = c
	return c
}

func (s *fakeServer) addCard(columnID, id, title string, pos int) models.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := models.Card{
		ID: id, ColumnID: columnID, Title: title, Position: pos,
		Priority: models.PriorityP2, Status: models.StatusNotStarted,
		Version: 1, CreatedAt: testNow, UpdatedAt: testNow,
	}
	s.cards[id] = c
	return c
}

func (s *fakeServer) addLabel(boardID, id, name string, color models.LabelColor) models.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := models.Label{ID: id, BoardID: boardID, Name: name, Color: color, Version: 1, CreatedAt: testNow, UpdatedAt: testNow}
	s.labels[id] = l
	return l
}

func (s *fakeServer) addLink(id, cardID, labelID string) models.CardLabel {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := models.CardLabel{ID: id, CardID: cardID, LabelID: labelID, CreatedAt: testNow}
	s.links[id] = cl
	return cl
}

// dropLinks removes the assignments matching drop. It requires s.mu.
func (s *fakeServer) dropLinks(drop func(models.CardLabel) bool) {
	for id, cl := range s.links {
		if drop(cl) {
			delete(s.links, id)
		}
	}
}

func (s *fakeServer) linked(cardID, labelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.links {
		if cl.CardID == cardID && cl.LabelID == labelID {
			return true
		}
	}
	return false
}

func (s *fakeServer) card(id string) (models.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	return c, ok
}

type fakeBoards struct{ s *fakeServer }

func (t fakeBoards) Select(_ context.Context, f models.Filter) ([]models.Board, error) {
	if err := t.s.enter("boards.select"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Board
	for _, b := range t.s.boards {
		if f.ID == "" || b.ID == f.ID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t fakeBoards) Insert(_ context.Context, row models.Board) (models.Board, error) {
	if err := t.s.enter("boards.insert"); err != nil {
		return models.Board{}, err
	}
	t.s.mu.Lock()
	row.ID = t.s.nextID("board")
	row.Version = 1
	t.s.boards[row.ID] = row
	t.s.mu.Unlock()
	t.s.after("boards.insert", row)
	return row, nil
}

func (t fakeBoards) Update(_ context.Context, id string, p models.BoardPatch) (models.Board, error) {
	if err := t.s.enter("boards.update"); err != nil {
		t.s.after("boards.update", nil)
		return models.Board{}, err
	}
	t.s.mu.Lock()
	b, ok := t.s.boards[id]
	if !ok {
		t.s.mu.Unlock()
		return models.Board{}, ErrNotFound
	}
	if p.Name != nil {
		b.Name = *p.Name
	}
	b.Version++
	t.s.boards[id] = b
	t.s.mu.Unlock()
	t.s.after("boards.update", b)
	return b, nil
}

func (t fakeBoards) Delete(_ context.Context, id string) error {
	if err := t.s.enter("boards.delete"); err != nil {
		return err
	}
	t.s.mu.Lock()
	delete(t.s.boards, id)
	t.s.mu.Unlock()
	return nil
}

type fakeColumns struct{ s *fakeServer }

func (t fakeColumns) Select(_ context.Context, f models.Filter) ([]models.Column, error) {
	if err := t.s.enter("columns.select"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Column
	for _, c := range t.s.columns {
		if (f.BoardID == "" || c.BoardID == f.BoardID) && (f.ID == "" || c.ID == f.ID) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.Column) int { return a.Position - b.Position })
	return out, nil
}

func (t fakeColumns) Insert(_ context.Context, row models.Column) (models.Column, error) {
	if err := t.s.enter("columns.insert"); err != nil {
		t.s.after("columns.insert", nil)
		return models.Column{}, err
	}
	t.s.mu.Lock()
	row.ID = t.s.nextID("col")
	row.Position = 0
	for _, c := range t.s.columns {
		if c.BoardID == row.BoardID && c.Position >= row.Position {
			row.Position = c.Position + 1
		}
	}
	row.Version = 1
	t.s.columns[row.ID] = row
	t.s.mu.Unlock()
	t.s.after("columns.insert", row)
	return row, nil
}

func (t fakeColumns) Update(_ context.Context, id string, p models.ColumnPatch) (models.Column, error) {
	if err := t.s.enter("columns.update"); err != nil {
		t.s.after("columns.update", nil)
		return models.Column{}, err
	}
	t.s.mu.Lock()
	c, ok := t.s.columns[id]
	if !ok {
		t.s.mu.Unlock()
		return models.Column{}, ErrNotFound
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Position != nil {
		c.Position = *p.Position
	}
	if p.Color != nil {
		c.Color = p.Color
	}
	c.Version++
	t.s.columns[id] = c
	t.s.mu.Unlock()
	t.s.after("columns.update", c)
	return c, nil
}

func (t fakeColumns) Delete(_ context.Context, id string) error {
	if err := t.s.enter("columns.delete"); err != nil {
		t.s.after("columns.delete", nil)
		return err
	}
	t.s.mu.Lock()
	if _, ok := t.s.columns[id]; !ok {
		t.s.mu.Unlock()
		return ErrNotFound
	}
	delete(t.s.columns, id)
	for cid, c := range t.s.cards {
		if c.ColumnID == id {
			delete(t.s.cards, cid)
			t.s.dropLinks(func(cl models.CardLabel) bool { return cl.CardID == cid })
		}
	}
	t.s.mu.Unlock()
	t.s.after("columns.delete", id)
	return nil
}

func (t fakeColumns) BulkUpsert(_ context.Context, pls []models.Placement) error {
	if err := t.s.enter("columns.bulk"); err != nil {
		t.s.after("columns.bulk", pls)
		return err
	}
	t.s.mu.Lock()
	for _, p := range pls {
		c := t.s.columns[p.ID]
		c.Position = p.Position
		c.Version++
		t.s.columns[p.ID] = c
	}
	t.s.mu.Unlock()
	t.s.after("columns.bulk", pls)
	return nil
}

type fakeCards struct{ s *fakeServer }

func (t fakeCards) Select(_ context.Context, f models.Filter) ([]models.Card, error) {
	if err := t.s.enter("cards.select"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Card
	for _, c := range t.s.cards {
		col := t.s.columns[c.ColumnID]
		if (f.BoardID == "" || col.BoardID == f.BoardID) && (f.ID == "" || c.ID == f.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t fakeCards) Insert(_ context.Context, row models.Card) (models.Card, error) {
	if err := t.s.enter("cards.insert"); err != nil {
		t.s.after("cards.insert", row)
		return models.Card{}, err
	}
	t.s.mu.Lock()
	row.ID = t.s.nextID("card")
	row.Position = 0
	for _, c := range t.s.cards {
		if c.ColumnID == row.ColumnID && c.Position >= row.Position {
			row.Position = c.Position + 1
		}
	}
	row.Version = 1
	t.s.cards[row.ID] = row
	t.s.mu.Unlock()
	t.s.after("cards.insert", row)
	return row, nil
}

func (t fakeCards) Update(_ context.Context, id string, p models.CardPatch) (models.Card, error) {
	if err := t.s.enter("cards.update"); err != nil {
		t.s.after("cards.update", nil)
		return models.Card{}, err
	}
	t.s.mu.Lock()
	c, ok := t.s.cards[id]
	if !ok {
		t.s.mu.Unlock()
		return models.Card{}, ErrNotFound
	}
	c = cardFromRow(c).apply(p).Row()
	c.Version = t.s.cards[id].Version + 1
	t.s.cards[id] = c
	t.s.mu.Unlock()
	t.s.after("cards.update", c)
	return c, nil
}

func (t fakeCards) Delete(_ context.Context, id string) error {
	if err := t.s.enter("cards.delete"); err != nil {
		t.s.after("cards.delete", nil)
		return err
	}
	t.s.mu.Lock()
	if _, ok := t.s.cards[id]; !ok {
		t.s.mu.Unlock()
		return ErrNotFound
	}
	delete(t.s.cards, id)
	t.s.dropLinks(func(cl models.CardLabel) bool { return cl.CardID == id })
	t.s.mu.Unlock()
	t.s.after("cards.delete", id)
	return nil
}

func (t fakeCards) BulkUpsert(_ context.Context, pls []models.Placement) error {
	if err := t.s.enter("cards.bulk"); err != nil {
		t.s.after("cards.bulk", pls)
		return err
	}
	t.s.mu.Lock()
	for _, p := range pls {
		c := t.s.cards[p.ID]
		c.ColumnID = p.ParentID
		c.Position = p.Position
		c.Version++
		t.s.cards[p.ID] = c
	}
	t.s.mu.Unlock()
	t.s.after("cards.bulk", pls)
	return nil
}

type fakeLabels struct{ s *fakeServer }

func (t fakeLabels) Select(_ context.Context, f models.Filter) ([]models.Label, error) {
	if err := t.s.enter("labels.select"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Label
	for _, l := range t.s.labels {
		if (f.BoardID == "" || l.BoardID == f.BoardID) && (f.ID == "" || l.ID == f.ID) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t fakeLabels) Insert(_ context.Context, row models.Label) (models.Label, error) {
	if err := t.s.enter("labels.insert"); err != nil {
		t.s.after("labels.insert", row)
		return models.Label{}, err
	}
	t.s.mu.Lock()
	row.ID = t.s.nextID("label")
	row.Version = 1
	t.s.labels[row.ID] = row
	t.s.mu.Unlock()
	t.s.after("labels.insert", row)
	return row, nil
}

func (t fakeLabels) Update(_ context.Context, id string, p models.LabelPatch) (models.Label, error) {
	if err := t.s.enter("labels.update"); err != nil {
		t.s.after("labels.update", nil)
		return models.Label{}, err
	}
	t.s.mu.Lock()
	l, ok := t.s.labels[id]
	if !ok {
		t.s.mu.Unlock()
		return models.Label{}, ErrNotFound
	}
	l = labelFromRow(l).apply(p).Row()
	l.Version = t.s.labels[id].Version + 1
	t.s.labels[id] = l
	t.s.mu.Unlock()
	t.s.after("labels.update", l)
	return l, nil
}

func (t fakeLabels) Delete(_ context.Context, id string) error {
	if err := t.s.enter("labels.delete"); err != nil {
		t.s.after("labels.delete", nil)
		return err
	}
	t.s.mu.Lock()
	if _, ok := t.s.labels[id]; !ok {
		t.s.mu.Unlock()
		return ErrNotFound
	}
	delete(t.s.labels, id)
	t.s.dropLinks(func(cl models.CardLabel) bool { return cl.LabelID == id })
	t.s.mu.Unlock()
	t.s.after("labels.delete", id)
	return nil
}

type fakeCardLabels struct{ s *fakeServer }

func (t fakeCardLabels) Select(_ context.Context, f models.Filter) ([]models.CardLabel, error) {
	if err := t.s.enter("card_labels.select"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.CardLabel
	for _, cl := range t.s.links {
		if (f.BoardID == "" || t.s.labels[cl.LabelID].BoardID == f.BoardID) && (f.ID == "" || cl.ID == f.ID) {
			out = append(out, cl)
		}
	}
	return out, nil
}

func (t fakeCardLabels) Insert(_ context.Context, row models.CardLabel) (models.CardLabel, error) {
	if err := t.s.enter("card_labels.insert"); err != nil {
		t.s.after("card_labels.insert", row)
		return models.CardLabel{}, err
	}
	t.s.mu.Lock()
	row.ID = t.s.nextID("link")
	row.CreatedAt = testNow
	t.s.links[row.ID] = row
	t.s.mu.Unlock()
	t.s.after("card_labels.insert", row)
	return row, nil
}

func (t fakeCardLabels) Update(context.Context, string, models.CardLabelPatch) (models.CardLabel, error) {
	return models.CardLabel{}, fmt.Errorf("label assignments cannot be edited: %w", ErrInvalid)
}

func (t fakeCardLabels) Delete(_ context.Context, id string) error {
	if err := t.s.enter("card_labels.delete"); err != nil {
		t.s.after("card_labels.delete", nil)
		return err
	}
	t.s.mu.Lock()
	if _, ok := t.s.links[id]; !ok {
		t.s.mu.Unlock()
		return ErrNotFound
	}
	delete(t.s.links, id)
	t.s.mu.Unlock()
	t.s.after("card_labels.delete", id)
	return nil
}

type fakeChannel struct {
	topic    Topic
	onEvent  func(Event)
	onStatus func(ChannelStatus)
	closed   bool
}

func (c *fakeChannel) Topic() Topic { return c.topic }

// fakeFeed records channels; tests drive their status and events by hand.
type fakeFeed struct {
	mu           sync.Mutex
	channels     []*fakeChannel
	subscribeErr error
	// autoAck reports SUBSCRIBED synchronously from Subscribe.
	autoAck bool
}

func (f *fakeFeed) Subscribe(topic Topic, onEvent func(Event), onStatus func(ChannelStatus)) (Channel, error) {
	f.mu.Lock()
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	ch := &fakeChannel{topic: topic, onEvent: onEvent, onStatus: onStatus}
	f.channels = append(f.channels, ch)
	ack := f.autoAck
	f.mu.Unlock()
	onStatus(ChannelSubscribing)
	if ack {
		onStatus(ChannelSubscribed)
	}
	return ch, nil
}

func (f *fakeFeed) Unsubscribe(ch Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch.(*fakeChannel).closed = true
	return nil
}

func (f *fakeFeed) open() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeChannel
	for _, ch := range f.channels {
		if !ch.closed {
			out = append(out, ch)
		}
	}
	return out
}

func (f *fakeFeed) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// latest returns the newest channel opened for table, closed or not.
func (f *fakeFeed) latest(table models.Table) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.channels) - 1; i >= 0; i-- {
		if f.channels[i].topic.Table == table {
			return f.channels[i]
		}
	}
	return nil
}

func (f *fakeFeed) emit(ev Event) {
	for _, ch := range f.open() {
		if ch.topic.Table == ev.table() {
			ch.onEvent(ev)
		}
	}
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// manualClock only fires timers when told to.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fire runs every pending timer.
func (c *manualClock) fire() {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// seedBoard creates board b1 with columns todo (A, B, C) and done (D, E),
// and labels bug (on A) and ux.
func seedBoard(s *fakeServer) {
	s.addBoard("b1", "Roadmap")
	s.addColumn("b1", "todo", "To Do", 0)
	s.addColumn("b1", "done", "Done", 1)
	s.addCard("todo", "A", "Card A", 0)
	s.addCard("todo", "B", "Card B", 1)
	s.addCard("todo", "C", "Card C", 2)
	s.addCard("done", "D", "Card D", 0)
	s.addCard("done", "E", "Card E", 1)
	s.addLabel("b1", "bug", "bug", models.LabelRed)
	s.addLabel("b1", "ux", "ux", models.LabelBlue)
	s.addLink("A-bug", "A", "bug")
}

type testEnv struct {
	server  *fakeServer
	feed    *fakeFeed
	clock   *manualClock
	session *Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{server: newFakeServer(), feed: &fakeFeed{autoAck: true}, clock: &manualClock{}}
	seedBoard(env.server)
	s, err := Open(context.Background(), "b1", env.server.backend(), env.feed, Options{
		Clock: env.clock,
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	env.session = s
	return env
}

func titles(cards []Card) []string {
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.Title)
	}
	return out
}

func positions(cards []Card) []int {
	out := make([]int, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.Position)
	}
	return out
}
