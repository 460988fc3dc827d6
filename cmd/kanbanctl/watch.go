package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/CrowderSoup/kanban-sync/client"
	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

func watchCmd(a *app) *cobra.Command {
	var refetch bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live board session with an interactive prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID, err := a.board()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			logger := a.logger()
			feed := client.NewFeed(c.FeedURL(), client.FeedOptions{Logger: logger})
			defer feed.Close()

			session, err := realtime.Open(cmd.Context(), boardID, c.Backend(), feed, realtime.Options{
				Logger:           &logger,
				RefetchOnRecover: refetch,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			r := &repl{session: session, out: cmd.OutOrStdout()}
			return r.run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&refetch, "refetch-on-recover", true, "reload the board when a dropped channel comes back")
	return cmd
}

type repl struct {
	session *realtime.Session
	out     io.Writer
	liner   *liner.State
	// changed is set whenever the board changes and cleared by list.
	changed atomic.Bool
}

// follow marks the prompt when the board changes. The returned func stops it.
func (r *repl) follow() func() {
	return r.session.Store().OnChange(func() { r.changed.Store(true) })
}

var commands = []string{
	"ls", "add", "col-add", "mv", "cmv", "rename", "set", "rm", "col-rm", "board",
	"labels", "label-add", "label-rm", "tag", "untag", "tagged",
	"find", "stats", "status", "refetch", "help", "quit",
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kanbanctl_history")
}

func (r *repl) run(ctx context.Context) error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	defer r.follow()()

	board, _ := r.session.Store().Board()
	fmt.Fprintf(r.out, "Watching %q. Type 'help' for commands.\n", board.Name)
	r.list()

	for {
		line, err := r.liner.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		quit, err := r.exec(ctx, line)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) prompt() string {
	p := "kanban"
	if r.changed.Load() {
		p += "*"
	}
	if st := r.session.Status(); !st.Healthy {
		p += " (" + st.Message + ")"
	}
	return p + "> "
}

var errUsage = errors.New("wrong arguments, see 'help'")

// exec runs one command line. It reports whether the session should end.
func (r *repl) exec(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	m := r.session

	switch cmd {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		r.help()

	case "ls", "list":
		r.list()

	case "add":
		if len(args) < 2 {
			return false, errUsage
		}
		col, err := r.column(args[0])
		if err != nil {
			return false, err
		}
		card, err := m.CreateCard(ctx, col.ID, realtime.CardDraft{Title: strings.Join(args[1:], " ")})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "created %s\n", card.ID)

	case "col-add":
		if len(args) < 1 {
			return false, errUsage
		}
		col, err := m.CreateColumn(ctx, realtime.ColumnDraft{Name: strings.Join(args, " ")})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "created column %s\n", col.ID)

	case "mv":
		if len(args) != 2 {
			return false, errUsage
		}
		card, err := r.card(args[0])
		if err != nil {
			return false, err
		}
		target, err := r.target(args[1])
		if err != nil {
			return false, err
		}
		return false, m.DropCard(ctx, card.ID, target)

	case "cmv":
		if len(args) != 2 {
			return false, errUsage
		}
		col, err := r.column(args[0])
		if err != nil {
			return false, err
		}
		over, err := r.column(args[1])
		if err != nil {
			return false, err
		}
		return false, m.DropColumn(ctx, col.ID, realtime.ColumnTarget(over.ID))

	case "rename":
		if len(args) < 2 {
			return false, errUsage
		}
		card, err := r.card(args[0])
		if err != nil {
			return false, err
		}
		title := strings.Join(args[1:], " ")
		_, err = m.UpdateCard(ctx, card.ID, models.CardPatch{Title: &title})
		return false, err

	case "set":
		if len(args) != 3 {
			return false, errUsage
		}
		card, err := r.card(args[0])
		if err != nil {
			return false, err
		}
		var patch models.CardPatch
		switch strings.ToLower(args[1]) {
		case "priority":
			p := models.Priority(strings.ToUpper(args[2]))
			patch.Priority = &p
		case "status":
			s := models.Status(strings.ToLower(args[2]))
			patch.Status = &s
		case "assignee":
			patch.AssigneeID = &args[2]
		default:
			return false, fmt.Errorf("cannot set %q: use priority, status or assignee", args[1])
		}
		_, err = m.UpdateCard(ctx, card.ID, patch)
		return false, err

	case "rm":
		if len(args) != 1 {
			return false, errUsage
		}
		card, err := r.card(args[0])
		if err != nil {
			return false, err
		}
		return false, m.DeleteCard(ctx, card.ID)

	case "col-rm":
		if len(args) != 1 && len(args) != 2 {
			return false, errUsage
		}
		col, err := r.column(args[0])
		if err != nil {
			return false, err
		}
		var opts realtime.DeleteColumnOptions
		if len(args) == 2 {
			to, err := r.column(args[1])
			if err != nil {
				return false, err
			}
			opts.MoveCardsTo = to.ID
		}
		return false, m.DeleteColumn(ctx, col.ID, opts)

	case "board":
		if len(args) < 1 {
			return false, errUsage
		}
		_, err := m.RenameBoard(ctx, strings.Join(args, " "))
		return false, err

	case "labels":
		for i, l := range m.Store().Labels() {
			fmt.Fprintf(r.out, "%d. %s (%s)\n", i+1, l.Name, l.Color)
		}

	case "label-add":
		if len(args) < 2 {
			return false, errUsage
		}
		l, err := m.CreateLabel(ctx, realtime.LabelDraft{Color: models.LabelColor(strings.ToLower(args[0])), Name: strings.Join(args[1:], " ")})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "created label %s\n", l.ID)

	case "label-rm":
		if len(args) != 1 {
			return false, errUsage
		}
		l, err := r.labelRef(args[0])
		if err != nil {
			return false, err
		}
		return false, m.DeleteLabel(ctx, l.ID)

	case "tag", "untag":
		if len(args) != 2 {
			return false, errUsage
		}
		card, err := r.card(args[0])
		if err != nil {
			return false, err
		}
		l, err := r.labelRef(args[1])
		if err != nil {
			return false, err
		}
		if cmd == "untag" {
			return false, m.UnassignLabel(ctx, card.ID, l.ID)
		}
		_, err = m.AssignLabel(ctx, card.ID, l.ID)
		return false, err

	case "tagged":
		if len(args) < 1 {
			return false, errUsage
		}
		var f realtime.CardFilter
		for _, arg := range args {
			l, err := r.labelRef(arg)
			if err != nil {
				return false, err
			}
			f.Labels = append(f.Labels, l.ID)
		}
		for _, c := range m.Store().FilterCards(f) {
			fmt.Fprintf(r.out, "  %s  %s%s\n", r.label(c), c.Title, r.tags(c))
		}

	case "find":
		if len(args) < 1 {
			return false, errUsage
		}
		for _, c := range m.Store().FilterCards(realtime.CardFilter{Search: strings.Join(args, " ")}) {
			fmt.Fprintf(r.out, "  %s  %s [%s, %s]\n", r.label(c), c.Title, c.Priority, c.Status)
		}

	case "stats":
		st, ok := m.Store().Stats()
		if !ok {
			return false, realtime.ErrNoBoard
		}
		fmt.Fprintf(r.out, "%d cards in %d columns: %d completed, %d in progress (%.0f%% done)\n",
			st.TotalCards, st.TotalColumns, st.CompletedCards, st.InProgressCards, st.CompletionRate)

	case "status":
		fmt.Fprintln(r.out, m.Status().Message)
		states := m.ChannelStates()
		for _, key := range slices.Sorted(maps.Keys(states)) {
			fmt.Fprintf(r.out, "  %-24s %s\n", key, states[key])
		}

	case "refetch":
		return false, m.Refetch(ctx)

	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
	return false, nil
}

func (r *repl) help() {
	fmt.Fprint(r.out, `Columns are numbered from 1; a card is COLUMN.CARD, e.g. 2.3.
  ls                          show the board
  add COL TITLE...            create a card at the end of a column
  col-add NAME...             create a column
  mv CARD COL|CARD            drop a card on a column (append) or on a card (take its place)
  cmv COL COL                 drop a column on another column
  rename CARD TITLE...        change a card title
  set CARD priority|status|assignee VALUE
  rm CARD                     delete a card
  col-rm COL [TO]             delete a column, moving its cards to TO if given
  board NAME...               rename the board
  labels                      list labels, numbered from 1
  label-add COLOR NAME...     create a label (red, orange, yellow, green, blue, purple, pink, gray)
  label-rm LABEL              delete a label
  tag|untag CARD LABEL        attach or detach a label
  tagged LABEL...             list cards carrying any of the labels
  find TEXT...                search titles and descriptions
  stats | status | refetch | quit
A * in the prompt means the board changed since the last ls.
`)
}

func (r *repl) list() {
	r.changed.Store(false)
	store := r.session.Store()
	if board, ok := store.Board(); ok {
		fmt.Fprintf(r.out, "%s\n", board.Name)
	}
	for i, col := range store.Columns() {
		cards := store.Cards(col.ID)
		fmt.Fprintf(r.out, "%d. %s (%d)\n", i+1, col.Name, len(cards))
		for j, c := range cards {
			mark := " "
			if c.ID.IsPending() {
				mark = "*"
			}
			fmt.Fprintf(r.out, "  %s%d.%d %s [%s, %s]%s\n", mark, i+1, j+1, c.Title, c.Priority, c.Status, r.tags(c))
		}
	}
}

func (r *repl) label(c realtime.Card) string {
	for i, col := range r.session.Store().Columns() {
		if col.ID != c.ColumnID {
			continue
		}
		for j, other := range r.session.Store().Cards(col.ID) {
			if other.ID == c.ID {
				return fmt.Sprintf("%d.%d", i+1, j+1)
			}
		}
	}
	return "?"
}

// tags renders the card's labels as " #bug #ux".
func (r *repl) tags(c realtime.Card) string {
	var b strings.Builder
	for _, l := range r.session.Store().LabelsOf(c.ID) {
		b.WriteString(" #" + l.Name)
	}
	return b.String()
}

func (r *repl) labelRef(ref string) (realtime.Label, error) {
	n, err := strconv.Atoi(ref)
	labels := r.session.Store().Labels()
	if err != nil || n < 1 || n > len(labels) {
		return realtime.Label{}, fmt.Errorf("no label %q", ref)
	}
	return labels[n-1], nil
}

func (r *repl) column(ref string) (realtime.Column, error) {
	n, err := strconv.Atoi(ref)
	cols := r.session.Store().Columns()
	if err != nil || n < 1 || n > len(cols) {
		return realtime.Column{}, fmt.Errorf("no column %q", ref)
	}
	return cols[n-1], nil
}

func (r *repl) card(ref string) (realtime.Card, error) {
	colRef, cardRef, ok := strings.Cut(ref, ".")
	if !ok {
		return realtime.Card{}, fmt.Errorf("card reference %q must look like COLUMN.CARD", ref)
	}
	col, err := r.column(colRef)
	if err != nil {
		return realtime.Card{}, err
	}
	n, err := strconv.Atoi(cardRef)
	cards := r.session.Store().Cards(col.ID)
	if err != nil || n < 1 || n > len(cards) {
		return realtime.Card{}, fmt.Errorf("no card %q", ref)
	}
	return cards[n-1], nil
}

func (r *repl) target(ref string) (realtime.DropTarget, error) {
	if strings.Contains(ref, ".") {
		card, err := r.card(ref)
		if err != nil {
			return realtime.DropTarget{}, err
		}
		return realtime.CardTarget(card.ID), nil
	}
	col, err := r.column(ref)
	if err != nil {
		return realtime.DropTarget{}, err
	}
	return realtime.ColumnTarget(col.ID), nil
}
