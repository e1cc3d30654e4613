package model

import (
	"strings"
	"time"
)

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
	AuthorSystem    Author = "system"
)

func (a Author) Valid() bool {
	switch a {
	case AuthorUser, AuthorAssistant, AuthorSystem:
		return true
	default:
		return false
	}
}

type Thread struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Role      Role              `json:"role"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// Message is one immutable row of a thread log. Seq is assigned by the store
// and breaks ties between equal CreatedAt values.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	ThreadID  string    `json:"thread_id"`
	Author    Author    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextEntry is a single provider-facing turn. Author is always one of
// system, user or assistant.
type ContextEntry struct {
	Author Author
	Text   string
}

type LookupResult struct {
	Title   string
	Link    string
	Snippet string
}

func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
