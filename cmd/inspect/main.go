// Command inspect prints the stored message log as a table. It opens the
// database read-only, so it can run next to a live broker.
package main

import (
	"chat-broker/domain"
	"chat-broker/repositories"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", "./data/badger", "Path to badger DB")
	room := flag.String("room", "", "Only show this room")
	peers := flag.String("dm", "", "Only show the direct conversation between two users, as alice,bob")
	limit := flag.Int("limit", 200, "Newest messages to show when filtering a conversation")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	repository := repositories.NewMessageRepository(db, logs.GetLoggerFromLevel(slog.LevelWarn))
	var messages []domain.Message
	switch {
	case *room != "":
		messages, _, err = repository.Page(domain.RoomConversation(domain.RoomName(*room)), nil, *limit)
	case *peers != "":
		pair := strings.SplitN(*peers, ",", 2)
		if len(pair) != 2 {
			log.Fatal("-dm expects two users separated by a comma")
		}
		messages, _, err = repository.Page(domain.DirectConversation(domain.UserID(pair[0]), domain.UserID(pair[1])), nil, *limit)
	default:
		err = repository.Scan(func(m domain.Message) bool {
			messages = append(messages, m)
			return true
		})
	}
	if err != nil {
		log.Fatal(err)
	}
	if *room != "" || *peers != "" {
		// Pages come newest first
		slices.Reverse(messages)
	}

	fmt.Println(color.New(color.FgCyan, color.OpBold).Render(fmt.Sprintf("%d message(s) in %s", len(messages), *dbPath)))
	render(messages)
}

func render(messages []domain.Message) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "ID", "Scope", "Sender", "Kind", "Lang", "Content", "Read by", "Reactions"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, m := range messages {
		reactions := make([]string, 0, len(m.Reactions))
		for user, emoji := range m.Reactions {
			reactions = append(reactions, string(user)+":"+emoji)
		}
		table.Append([]string{
			m.Timestamp.Format("2006-01-02 15:04:05.000"),
			m.ID.String()[:8],
			scope(m.Scope),
			string(m.SenderID),
			string(m.Kind),
			m.Language,
			truncate(m.Content, 60),
			fmt.Sprint(m.ReadBy.Sorted()),
			strings.Join(reactions, " "),
		})
	}
	table.Render()
}

func scope(s domain.Scope) string {
	if s.IsDirect() {
		return "@" + string(s.RecipientID)
	}
	return "#" + string(s.RoomName)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	return badger.Open(opts)
}
