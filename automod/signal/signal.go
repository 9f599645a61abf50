// Turns free-text notifications from a third-party moderation bot into structured warning signals.
//
// The bot's phrasing is an external, unversioned contract: classification is done with fixed substring markers (see Phrases), and only notifications from one known sender are considered at all.
package signal

import (
	"errors"
	"strings"

	"github.com/referee-bot/referee/automod/helpers"
)

var (
	// a notification was classified, but did not have the expected structure
	ErrMalformedSignal = errors.New("malformed moderation signal")
	// the subject named in a notification is not a known member
	ErrUnresolvedSubject = errors.New("could not resolve signal subject")
)

type Kind string

const (
	KindIrrelevant Kind = "irrelevant"
	// a warning was issued
	KindIssued Kind = "issued"
	// the bot explicitly did not issue a warning; consumed, but no-op
	KindSkipped Kind = "skipped"
	// all of a member's warnings were cleared
	KindCleared Kind = "cleared"
	// a message from a recently-warned member, to be acknowledged once. produced by the engine, not by parsing
	KindAcknowledge Kind = "acknowledge"
)

// reason recorded when the notification carries none
var NoReason = "None"

// A raw inbound chat message.
type Notification struct {
	AuthorID  string `json:"author_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content"`
	// set by bridges which know which moderator invoked the bot
	IssuerID string `json:"issuer_id,omitempty"`
}

// Structured result of parsing a Notification. Never persisted.
type Signal struct {
	Kind        Kind   `json:"kind"`
	SubjectName string `json:"subject_name,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IssuerID    string `json:"issuer_id,omitempty"`
	IssuerName  string `json:"issuer_name,omitempty"`
}

// Substring markers identifying each kind of notification.
type Phrases struct {
	Issued string
	// splits subject (before) from reason (after) in an issued notification
	IssuedDelimiter string
	// the subject name follows this marker (eg, after the bot's status emoji)
	NamePrefix     string
	Skipped        string
	Cleared        string
	ClearedSubject string
}

// Phrasing used by the Dyno moderation bot.
func DefaultPhrases() Phrases {
	return Phrases{
		Issued:          "has been warned",
		IssuedDelimiter: " has been warned.",
		NamePrefix:      "> ",
		Skipped:         "was not warned",
		Cleared:         "Cleared",
		ClearedSubject:  "warnings for ",
	}
}

func (p *Phrases) Classify(content string) Kind {
	content = helpers.StripMarkdown(content)
	switch {
	case p.Skipped != "" && strings.Contains(content, p.Skipped):
		return KindSkipped
	case strings.Contains(content, p.Issued):
		return KindIssued
	case strings.Contains(content, p.Cleared) && strings.Contains(content, p.ClearedSubject):
		return KindCleared
	default:
		return KindIrrelevant
	}
}

// Pulls the subject name (and reason, for issued warnings) out of notification content of a known kind.
func (p *Phrases) Extract(kind Kind, content string) (*Signal, error) {
	content = strings.TrimSpace(helpers.StripMarkdown(content))
	switch kind {
	case KindIssued:
		head, tail, ok := strings.Cut(content, p.IssuedDelimiter)
		if !ok {
			return nil, ErrMalformedSignal
		}
		_, name, ok := strings.Cut(head, p.NamePrefix)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, ErrMalformedSignal
		}
		reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tail), ","))
		if reason == "" {
			reason = NoReason
		}
		return &Signal{Kind: kind, SubjectName: name, Reason: reason}, nil
	case KindCleared:
		idx := strings.LastIndex(content, p.ClearedSubject)
		if idx < 0 {
			return nil, ErrMalformedSignal
		}
		name := strings.TrimRight(strings.TrimSpace(content[idx+len(p.ClearedSubject):]), ".!")
		if name == "" {
			return nil, ErrMalformedSignal
		}
		return &Signal{Kind: kind, SubjectName: name}, nil
	case KindSkipped:
		return &Signal{Kind: kind}, nil
	default:
		return nil, nil
	}
}
