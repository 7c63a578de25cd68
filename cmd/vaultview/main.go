// Command vaultview lists, searches and reads messages in a mailvault
// maildir. It only ever reads the store; messages are never moved or
// marked.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"html"
	"io"
	"log"
	"mime"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"mailvault/maildir"
)

var (
	htmlTagRegex  = regexp.MustCompile("<[^>]*>")
	htmlLinkRegex = regexp.MustCompile(`(?i)<a[^>]*href=["']([^"']*)["'][^>]*>((?s).*?)</a>`)
)

// dateFormats covers the Date header shapes real senders produce.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
}

// entry is one listed message. The date is kept pre-formatted; sorting
// on the formatted form puts the newest first and parks undated
// messages at the top, where they are visible rather than buried.
type entry struct {
	from    string
	subject string
	date    string
	msg     *maildir.Message
}

func main() {
	listFlag := flag.Bool("list", false, "list recent messages and exit")
	limit := flag.Int("limit", 20, "number of messages to show")
	search := flag.String("search", "", "list only messages containing this text")
	flag.Parse()

	path := "~/email"
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	root, err := maildir.ExpandUser(path)
	if err != nil {
		log.Fatalf("Failed to resolve maildir path %s: %v", path, err)
	}
	if _, err := os.Stat(root); err != nil {
		log.Fatalf("No maildir at %s", root)
	}
	store, err := maildir.Open(root)
	if err != nil {
		log.Fatalf("Failed to open maildir %s: %v", root, err)
	}

	if *listFlag || *search != "" {
		entries, err := listMessages(store, *limit, *search)
		if err != nil {
			log.Fatalf("Failed to list messages: %v", err)
		}
		printList(entries)
		return
	}

	interactive(store)
}

// listMessages walks the store and returns up to limit entries, newest
// first. A non-empty search keeps only messages whose sender, subject
// or text body contains it, case-insensitively.
func listMessages(store *maildir.Maildir, limit int, search string) ([]entry, error) {
	needle := strings.ToLower(search)

	var entries []entry
	err := store.Walk(func(_ string, m *maildir.Message) error {
		ent := entry{
			from:    headerOr(m, "From", "Unknown"),
			subject: headerOr(m, "Subject", "(no subject)"),
			date:    formatDate(m.Header.Get("Date")),
			msg:     m,
		}
		if needle != "" {
			haystack := strings.ToLower(ent.from + " " + ent.subject + " " + textBody(m))
			if !strings.Contains(haystack, needle) {
				return nil
			}
		}
		entries = append(entries, ent)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].date > entries[j].date })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func printList(entries []entry) {
	if len(entries) == 0 {
		fmt.Println("No messages found.")
		return
	}
	fmt.Printf("\n%-4s %-17s %-30s %-50s\n", "#", "Date", "From", "Subject")
	fmt.Println(strings.Repeat("=", 104))
	for i, e := range entries {
		fmt.Printf("%-4d %-17s %-30s %-50s\n", i+1, e.date, truncate(e.from, 30), truncate(e.subject, 50))
	}
	fmt.Println()
}

func viewMessage(e entry) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Printf("From:    %s\n", e.from)
	fmt.Printf("To:      %s\n", headerOr(e.msg, "To", "Unknown"))
	fmt.Printf("Date:    %s\n", e.date)
	fmt.Printf("Subject: %s\n", e.subject)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println(textBody(e.msg))
}

func interactive(store *maildir.Maildir) {
	fmt.Println("mailvault viewer - interactive mode")

	scanner := bufio.NewScanner(os.Stdin)
	var current []entry
	for {
		fmt.Println("\nCommands:")
		fmt.Println("  list [N]     - List up to N messages (default 20)")
		fmt.Println("  search TEXT  - List messages containing TEXT")
		fmt.Println("  view N       - View message N from the last listing")
		fmt.Println("  quit         - Exit")
		fmt.Print("\n> ")

		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch strings.ToLower(cmd) {
		case "quit", "exit", "q":
			fmt.Println("Goodbye!")
			return

		case "list":
			limit := 20
			if arg != "" {
				n, err := strconv.Atoi(arg)
				if err != nil || n < 1 {
					fmt.Println("Invalid number")
					continue
				}
				limit = n
			}
			entries, err := listMessages(store, limit, "")
			if err != nil {
				log.Printf("Failed to list messages: %v", err)
				continue
			}
			current = entries
			printList(current)

		case "search":
			if arg == "" {
				fmt.Println("Please provide search text")
				continue
			}
			entries, err := listMessages(store, 50, arg)
			if err != nil {
				log.Printf("Failed to search messages: %v", err)
				continue
			}
			current = entries
			printList(current)

		case "view":
			if len(current) == 0 {
				fmt.Println("Please list messages first")
				continue
			}
			n, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Println("Invalid number")
				continue
			}
			if n < 1 || n > len(current) {
				fmt.Printf("Invalid message number. Please choose 1-%d\n", len(current))
				continue
			}
			viewMessage(current[n-1])

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

// textBody extracts a readable text body: the text/plain parts when
// present, otherwise html parts with markup stripped and links
// rewritten as "text (url)".
func textBody(m *maildir.Message) string {
	e, err := message.New(message.Header{Header: m.Header}, bytes.NewReader(m.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return string(m.Body)
	}
	mr := mail.NewReader(e)

	var bodyBuf bytes.Buffer
	var htmlBuf bytes.Buffer
	hasPlain := false

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("read part error: %v", err)
			break
		}

		ct := p.Header.Get("Content-Type")
		mediaType, _, _ := mime.ParseMediaType(ct)

		switch mediaType {
		case "text/plain", "":
			if _, err := io.Copy(&bodyBuf, p.Body); err != nil {
				log.Printf("body read error: %v", err)
			}
			bodyBuf.WriteString("\n")
			hasPlain = true
		case "text/html":
			if _, err := io.Copy(&htmlBuf, p.Body); err != nil {
				log.Printf("html body read error: %v", err)
			}
			htmlBuf.WriteString("\n")
		}
	}

	if !hasPlain && htmlBuf.Len() > 0 {
		return stripHTML(htmlBuf.String())
	}
	return bodyBuf.String()
}

func stripHTML(htmlStr string) string {
	htmlStr = htmlLinkRegex.ReplaceAllStringFunc(htmlStr, func(match string) string {
		parts := htmlLinkRegex.FindStringSubmatch(match)
		if len(parts) >= 3 {
			url := html.UnescapeString(parts[1])
			text := parts[2]
			return fmt.Sprintf("%s (%s)", text, url)
		}
		return match
	})
	return htmlTagRegex.ReplaceAllString(htmlStr, "")
}

// formatDate renders a Date header for the listing, or "Unknown date"
// when it cannot be understood.
func formatDate(dateHeader string) string {
	if dateHeader == "" {
		return "Unknown date"
	}
	for _, format := range dateFormats {
		if parsed, err := time.Parse(format, dateHeader); err == nil {
			return parsed.Format("2006-01-02 15:04")
		}
	}
	return "Unknown date"
}

func headerOr(m *maildir.Message, key, placeholder string) string {
	if v := m.Header.Get(key); v != "" {
		return v
	}
	return placeholder
}

// truncate shortens s to width, marking the cut with "..".
func truncate(s string, width int) string {
	if len(s) > width {
		return s[:width-2] + ".."
	}
	return s
}
