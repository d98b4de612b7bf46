package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	gapshap "github.com/gapshap/gapshap-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

const watchHelp = `Commands:
  /list                      list conversations
  /select <id>               open a conversation
  /older                     load older messages
  /direct <user-id>          open a direct conversation
  /group <name> <id,id,...>  create a group conversation
  /read                      mark the open conversation as read
  /quit                      leave
Anything else is sent to the open conversation.`

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow conversations live and chat from the terminal",
	Long:  "Keep a live view of your conversations. The last opened conversation is reopened on the next run.\n\n" + watchHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := mustClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reqCtx, cancel := requestContext()
		me, err := client.Account.Me(reqCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("cannot identify user: %w", err)
		}

		path, err := statePath(cfg)
		if err != nil {
			return err
		}
		session, err := gapshap.OpenSQLiteSessionStore(path, gapshap.SessionKey(client.BaseURL(), cfg.credential()), slog.Default())
		if err != nil {
			return err
		}
		defer session.Close()

		rt := client.Realtime(realtimeConfig(cfg))
		eng := gapshap.NewEngine(client, rt, session, &gapshap.EngineConfig{
			Self:     *me,
			PageSize: cfg.Session.PageSize,
			Logger:   slog.Default(),
		})
		defer eng.Close()

		view := newLiveView(os.Stdout, me.UserID)
		unsubscribe := eng.Subscribe(func() { view.render(eng.Snapshot()) })
		defer unsubscribe()

		if err := eng.Start(ctx); err != nil {
			color.Red("Failed to load conversations: %v", err)
		}
		fmt.Println(watchHelp)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := runWatchCommand(ctx, eng, view, line)
				if err != nil {
					view.printf("%s\n", color.RedString("%v", err))
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// runWatchCommand executes one line of input against the engine.
func runWatchCommand(ctx context.Context, eng *gapshap.Engine, view *liveView, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := eng.Send(ctx, line)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q":
		return true, nil
	case "/list":
		view.listConversations(eng.Conversations())
		return false, nil
	case "/select":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /select <id>")
		}
		id, err := parseID(fields[1], "conversation id")
		if err != nil {
			return false, err
		}
		return false, eng.Select(ctx, id)
	case "/older":
		loaded, err := eng.LoadOlder(ctx)
		if err == nil && !loaded && !eng.HasMore() {
			view.printf("No older messages.\n")
		}
		return false, err
	case "/direct":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /direct <user-id>")
		}
		id, err := parseID(fields[1], "user id")
		if err != nil {
			return false, err
		}
		_, err = eng.CreateDirect(ctx, id)
		return false, err
	case "/group":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /group <name> <id,id,...>")
		}
		var ids []int64
		for _, s := range strings.Split(fields[2], ",") {
			id, err := parseID(s, "user id")
			if err != nil {
				return false, err
			}
			ids = append(ids, id)
		}
		_, err := eng.CreateGroup(ctx, fields[1], ids)
		return false, err
	case "/read":
		active, ok := eng.Active()
		if !ok {
			return false, fmt.Errorf("no conversation is open")
		}
		return false, eng.MarkRead(ctx, active.ID)
	case "/help":
		view.printf("%s\n", watchHelp)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

// ============================================================================
// Live view
// ============================================================================

// liveView prints what changed between engine snapshots.
type liveView struct {
	mu     sync.Mutex
	out    io.Writer
	selfID int64

	activeID  int64
	printed   map[int64]gapshap.Message
	connected bool
	started   bool
	lastErr   string
	unread    int
}

func newLiveView(out io.Writer, selfID int64) *liveView {
	return &liveView{
		out:     out,
		selfID:  selfID,
		printed: make(map[int64]gapshap.Message),
	}
}

func (v *liveView) printf(format string, args ...interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *liveView) render(s gapshap.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.started || s.Connected != v.connected {
		v.started = true
		v.connected = s.Connected
		if s.Connected {
			fmt.Fprintln(v.out, color.GreenString("● connected"))
		} else {
			fmt.Fprintln(v.out, color.HiBlackString("○ offline, reconnecting"))
		}
	}

	if s.Err != v.lastErr {
		v.lastErr = s.Err
		if s.Err != "" {
			fmt.Fprintln(v.out, color.RedString("! %s", s.Err))
		}
	}

	unread := 0
	for _, c := range s.Conversations {
		unread += c.UnreadCount
	}
	if unread > v.unread {
		fmt.Fprintln(v.out, color.YellowString("%d unread elsewhere", unread))
	}
	v.unread = unread

	if s.Active == nil {
		return
	}
	if s.Active.ID != v.activeID {
		v.activeID = s.Active.ID
		v.printed = make(map[int64]gapshap.Message)
		fmt.Fprintln(v.out, color.CyanString("── %s (#%d) ──", conversationLabel(*s.Active), s.Active.ID))
	}

	newlyRead := 0
	for _, m := range s.Messages {
		prev, seen := v.printed[m.ID]
		if seen && prev.Read == m.Read {
			continue
		}
		if seen {
			if m.Read && m.SenderID == v.selfID {
				newlyRead++
			}
			v.printed[m.ID] = m
			continue
		}
		if m.ClientID != "" && !m.Pending() && v.confirmed(m.ClientID) {
			v.printed[m.ID] = m
			continue
		}
		v.printed[m.ID] = m
		fmt.Fprintln(v.out, formatMessage(m, v.selfID))
	}
	if newlyRead > 0 {
		fmt.Fprintln(v.out, color.HiBlackString("✓ seen"))
	}
}

// confirmed reports whether a pending message with clientID was already
// printed, and forgets it.
func (v *liveView) confirmed(clientID string) bool {
	for id, m := range v.printed {
		if m.Pending() && m.ClientID == clientID {
			delete(v.printed, id)
			return true
		}
	}
	return false
}

func (v *liveView) listConversations(convs []gapshap.Conversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(convs) == 0 {
		fmt.Fprintln(v.out, "No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.ID == v.activeID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %6d  %s", marker, c.ID, conversationLabel(c))
		if c.UnreadCount > 0 {
			line += color.YellowString("  (%s unread)", strconv.Itoa(c.UnreadCount))
		}
		fmt.Fprintln(v.out, line)
	}
}
