package agent

import (
	"encoding/json"
	"fmt"

	"handoff/internal/domain"
)

// Composer turns a claimed task into a draft title and body.
type Composer func(item domain.TaskItem) (title, body string, err error)

// DefaultComposers covers the built-in domains. Other domains get
// ComposeReport.
func DefaultComposers() map[string]Composer {
	return map[string]Composer{
		"email":      ComposeEmailReply,
		"social":     ComposeSocialPost,
		"accounting": ComposeAccountingEntry,
	}
}

func ComposeEmailReply(item domain.TaskItem) (string, string, error) {
	title := or(item.Title, "Untitled")
	body := fmt.Sprintf("Thank you for your message regarding '%s'.\n\n"+
		"We have reviewed your request and will respond shortly.\n\n"+
		"Original: %s", title, truncate(item.Body, 200))
	return "Re: " + title, body, nil
}

func ComposeSocialPost(item domain.TaskItem) (string, string, error) {
	title := or(item.Title, "Update")
	return title, "[Draft Social Post]\n" + or(item.Body, title), nil
}

// ComposeAccountingEntry renders the entry as JSON so the executor can post
// it to a ledger unchanged.
func ComposeAccountingEntry(item domain.TaskItem) (string, string, error) {
	title := or(item.Title, "Entry")
	entry := struct {
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Amount      float64 `json:"amount"`
		Category    string  `json:"category"`
	}{"draft_entry", or(item.Body, title), item.Amount, or(item.Category, "general")}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", "", err
	}
	return title, string(data), nil
}

func ComposeReport(item domain.TaskItem) (string, string, error) {
	title := or(item.Title, "Monitoring Report")
	body := "Auto-generated report for: " + title
	if item.Body != "" {
		body += "\n\n" + item.Body
	}
	return title, body, nil
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
