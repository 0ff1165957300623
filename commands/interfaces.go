package commands

import (
	"context"

	"github.com/justmike1/casebot/connection"
	botslack "github.com/justmike1/casebot/slack"
)

// Connections resolves a chat user to a live Salesforce connection.
type Connections interface {
	Resolve(ctx context.Context, chatUserID string) (*connection.Handle, error)
	LoginURL(chatUserID string) string
}

// Responder delivers a reply to wherever the command came from.
type Responder interface {
	Respond(ctx context.Context, cmd botslack.Command, reply botslack.Reply) error
}

// ReplyProvider abstracts access to the reply templates.
type ReplyProvider interface {
	Get(key string) string
	Format(key string, args ...any) string
}
