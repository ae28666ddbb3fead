package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"snipd/internal/ipc"
	"snipd/internal/store"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSection(title string) {
	fmt.Println()
	fmt.Println(title)
	fmt.Println(strings.Repeat("-", len(title)))
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	withConfig := fs.Bool("config", false, "include the effective configuration")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(*withConfig)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if *jsonOutput {
		return printJSON(status)
	}

	printSection("DAEMON")
	fmt.Printf("  Version        %s\n", status.Version)
	fmt.Printf("  Started        %s (%s)\n", status.StartedAt.Format(time.RFC3339), humanize.Time(status.StartedAt))
	fmt.Printf("  Uptime         %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("  Snippets       %s\n", humanize.Comma(status.SnippetCount))
	fmt.Printf("  Schema         v%d\n", status.SchemaVersion)

	printSection("INPUT CAPTURE")
	fmt.Printf("  Backend        %s\n", status.Backend)
	switch {
	case status.Listening:
		fmt.Println("  State          LISTENING")
	case status.CaptureError != "":
		fmt.Println("  State          UNAVAILABLE")
		fmt.Printf("  Reason         %s\n", status.CaptureError)
	default:
		fmt.Println("  State          STARTING")
	}
	for i, dev := range status.Devices {
		label := ""
		if i == 0 {
			label = "Devices"
		}
		fmt.Printf("  %-14s %s\n", label, dev)
	}

	printSection("EXPANSIONS")
	fmt.Printf("  Expanded       %s\n", humanize.Comma(int64(status.Engine.Expansions)))
	fmt.Printf("  Pasted         %s\n", humanize.Comma(int64(status.Engine.Pastes)))
	if n := status.Engine.InjectFailures; n > 0 {
		fmt.Printf("  Inject errors  %d\n", n)
	}
	if n := status.Engine.ResolveFallbacks; n > 0 {
		fmt.Printf("  Raw fallbacks  %d\n", n)
	}
	if n := status.Engine.StoreErrors; n > 0 {
		fmt.Printf("  Store errors   %d\n", n)
	}

	if h := status.History; h != nil {
		printSection("CLIPBOARD HISTORY")
		fmt.Printf("  Recorded       %s\n", humanize.Comma(int64(h.Recorded)))
		if !h.LastChange.IsZero() {
			fmt.Printf("  Last change    %s\n", humanize.Time(h.LastChange))
		}
	}

	if len(status.Config) > 0 {
		printSection("CONFIGURATION")
		printConfigMap(os.Stdout, status.Config, "  ")
	}
	fmt.Println()
	return nil
}

func cmdPing() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		return err
	}
	fmt.Printf("pong from snipd %s in %s\n", client.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdList(args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ListSnippets(strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("list snippets: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp.Snippets)
	}
	if len(resp.Snippets) == 0 {
		fmt.Println("No snippets.")
		return nil
	}
	writeSnippetTable(os.Stdout, resp.Snippets)
	return nil
}

// readContent returns the positional text argument, or stdin when it is "-".
func readContent(args []string) (string, bool, error) {
	if len(args) == 0 {
		return "", false, nil
	}
	text := strings.Join(args, " ")
	if text != "-" {
		return text, true, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", false, fmt.Errorf("read stdin: %w", err)
	}
	return string(data), true, nil
}

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	name := fs.String("name", "", "snippet name")
	keyword := fs.String("keyword", "", "trigger keyword")
	fs.Parse(args)

	content, ok, err := readContent(fs.Args())
	if err != nil {
		return err
	}
	if *name == "" || *keyword == "" || !ok {
		return errors.New("usage: snipctl add -name NAME -keyword KEYWORD TEXT")
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.CreateSnippet(*name, *keyword, content)
	if err != nil {
		return fmt.Errorf("create snippet: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp.Snippet)
	}
	fmt.Printf("Created snippet %d: %s (%s)\n", resp.Snippet.ID, resp.Snippet.Name, resp.Snippet.Keyword)
	printWarnings(resp.Warnings)
	return nil
}

func cmdEdit(args []string) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	id := fs.Int64("id", 0, "snippet ID")
	name := fs.String("name", "", "new name")
	keyword := fs.String("keyword", "", "new keyword")
	fs.Parse(args)

	if *id <= 0 {
		return errors.New("usage: snipctl edit -id ID [-name NAME] [-keyword KEYWORD] [TEXT]")
	}
	content, hasContent, err := readContent(fs.Args())
	if err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	// Updates replace every field, so start from the stored snippet.
	current, err := findSnippet(client, *id)
	if err != nil {
		return err
	}
	if *name == "" {
		*name = current.Name
	}
	if *keyword == "" {
		*keyword = current.Keyword
	}
	if !hasContent {
		content = current.Content
	}

	resp, err := client.UpdateSnippet(*id, *name, *keyword, content)
	if err != nil {
		return fmt.Errorf("update snippet: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp.Snippet)
	}
	fmt.Printf("Updated snippet %d: %s (%s)\n", resp.Snippet.ID, resp.Snippet.Name, resp.Snippet.Keyword)
	printWarnings(resp.Warnings)
	return nil
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
}

func findSnippet(client *ipc.IPCClient, id int64) (*store.Snippet, error) {
	resp, err := client.ListSnippets("")
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	for i := range resp.Snippets {
		if resp.Snippets[i].ID == id {
			return &resp.Snippets[i], nil
		}
	}
	return nil, fmt.Errorf("snippet %d not found", id)
}

func parseID(args []string, usage string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New(usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", args[0])
	}
	return id, nil
}

func cmdRemove(args []string) error {
	id, err := parseID(args, "usage: snipctl rm <id>")
	if err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeleteSnippet(id); err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	fmt.Printf("Deleted snippet %d\n", id)
	return nil
}

func cmdImport(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: snipctl import <file>")
	}
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.ImportSnippets(data, string(store.ImportFormatForPath(path)))
	if err != nil {
		return fmt.Errorf("import snippets: %w", err)
	}
	if *jsonOutput {
		return printJSON(result)
	}
	fmt.Printf("Imported %s (%s), skipped %s duplicate keywords\n",
		humanize.Comma(int64(result.SnippetsAdded)),
		humanize.Bytes(uint64(len(data))),
		humanize.Comma(int64(result.DuplicatesSkipped)))
	return nil
}

func cmdPaste(args []string) error {
	fs := flag.NewFlagSet("paste", flag.ExitOnError)
	literal := fs.String("content", "", "paste this template instead of a stored snippet")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if *literal != "" {
		return client.PasteContent(*literal)
	}
	id, err := parseID(fs.Args(), "usage: snipctl paste <id> | snipctl paste -content TEXT")
	if err != nil {
		return err
	}
	return client.PasteSnippet(id)
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum number of entries")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ClipboardHistory(*limit)
	if err != nil {
		return fmt.Errorf("clipboard history: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp.Items)
	}
	if len(resp.Items) == 0 {
		fmt.Println("Clipboard history is empty.")
		return nil
	}
	writeHistoryTable(os.Stdout, resp.Items)
	return nil
}

func cmdClearHistory() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.ClearHistory()
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	fmt.Printf("Removed %s clipboard history entries\n", humanize.Comma(n))
	return nil
}

func cmdPin(args []string, pinned bool) error {
	usage := "usage: snipctl pin <history-id>"
	if !pinned {
		usage = "usage: snipctl unpin <history-id>"
	}
	id, err := parseID(args, usage)
	if err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PinHistory(id, pinned); err != nil {
		return fmt.Errorf("pin history entry: %w", err)
	}
	if pinned {
		fmt.Printf("Pinned clipboard entry %d\n", id)
	} else {
		fmt.Printf("Unpinned clipboard entry %d\n", id)
	}
	return nil
}

func cmdConfig() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.GetConfig()
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp)
	}
	if resp.Path != "" {
		fmt.Printf("# %s\n", resp.Path)
	}
	printConfigMap(os.Stdout, resp.Config, "")
	return nil
}

func cmdReload() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ReloadConfig()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	fmt.Printf("Reloaded %s\n", resp.Path)
	return nil
}

func cmdWatch() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	events := client.Events()
	for {
		select {
		case <-interrupt:
			return nil
		case ev, ok := <-events:
			if !ok {
				fmt.Println("Connection closed.")
				return nil
			}
			if *jsonOutput {
				if err := printJSON(ev); err != nil {
					return err
				}
				continue
			}
			fmt.Println(formatEvent(ev))
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

// formatEvent renders a streamed event as one line.
func formatEvent(ev *ipc.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case ipc.EventExpansion:
		var r struct {
			Keyword  string   `json:"keyword"`
			Name     string   `json:"name"`
			Manual   bool     `json:"manual"`
			Fallback bool     `json:"fallback"`
			Errors   []string `json:"errors"`
			Duration string   `json:"duration"`
		}
		if err := json.Unmarshal(ev.Data, &r); err != nil {
			break
		}
		what := r.Keyword
		if r.Manual {
			what = "paste"
		}
		line := fmt.Sprintf("%s expansion %s", ts, what)
		if r.Name != "" {
			line += fmt.Sprintf(" (%s)", r.Name)
		}
		if r.Duration != "" {
			line += " in " + r.Duration
		}
		if r.Fallback {
			line += " [raw]"
		}
		if len(r.Errors) > 0 {
			line += " errors: " + strings.Join(r.Errors, "; ")
		}
		return line
	case ipc.EventCaptureError:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(ev.Data, &e) == nil && e.Error != "" {
			return fmt.Sprintf("%s capture unavailable: %s", ts, e.Error)
		}
	}
	return fmt.Sprintf("%s %s", ts, ev.Type)
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func writeSnippetTable(w io.Writer, snippets []store.Snippet) {
	fmt.Fprintf(w, "%-6s %-16s %-24s %-8s %-14s %s\n", "ID", "KEYWORD", "NAME", "USED", "LAST USED", "CONTENT")
	for _, s := range snippets {
		last := "never"
		if !s.LastUsedAt.IsZero() {
			last = humanize.Time(s.LastUsedAt)
		}
		fmt.Fprintf(w, "%-6d %-16s %-24s %-8s %-14s %s\n",
			s.ID, truncate(s.Keyword, 16), truncate(s.Name, 24),
			humanize.Comma(s.TimesUsed), last, truncate(s.Content, 40))
	}
}

func writeHistoryTable(w io.Writer, items []store.ClipboardItem) {
	fmt.Fprintf(w, "%-6s %-3s %-9s %-6s %-14s %s\n", "ID", "PIN", "SIZE", "COPIES", "LAST COPIED", "CONTENT")
	for _, it := range items {
		pin := ""
		if it.Pinned {
			pin = "*"
		}
		fmt.Fprintf(w, "%-6d %-3s %-9s %-6d %-14s %s\n",
			it.ID, pin, humanize.Bytes(uint64(it.SizeBytes)), it.TimesCopied,
			humanize.Time(it.LastCopiedAt), truncate(it.Content, 50))
	}
}

// printConfigMap prints a nested configuration map as dotted keys.
func printConfigMap(w io.Writer, m map[string]any, indent string) {
	var lines []string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if sub, ok := v.(map[string]any); ok {
			for k, child := range sub {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, child)
			}
			return
		}
		lines = append(lines, fmt.Sprintf("%s%s = %v", indent, prefix, v))
	}
	walk("", m)
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
