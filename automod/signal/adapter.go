package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/referee-bot/referee/automod/guild"
)

// Dyno bot user ID
var DefaultSenderID = "155149108183695360"

// Parses notifications from a single trusted sender, and resolves names in them against the guild directory.
//
// Also owns two small pieces of in-process state: a cache of moderator display names, and a watchlist of recently-warned members.
type Adapter struct {
	Logger    *slog.Logger
	Directory guild.Directory
	SenderID  string
	Phrases   Phrases
	// issuer name used when a notification does not identify the moderator
	DefaultIssuer string

	mu sync.Mutex
	// nil until first use; cleared by ResetModerators
	moderators map[string]string
	watchlist  map[string]bool
}

func NewAdapter(dir guild.Directory, senderID string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Logger:        logger.With("component", "signal"),
		Directory:     dir,
		SenderID:      senderID,
		Phrases:       DefaultPhrases(),
		DefaultIssuer: "Dyno",
		watchlist:     make(map[string]bool),
	}
}

// Classifies a raw notification. Anything not from the configured sender is irrelevant.
func (a *Adapter) Classify(n Notification) Kind {
	if n.AuthorID != a.SenderID {
		return KindIrrelevant
	}
	return a.Phrases.Classify(n.Content)
}

// Classifies, extracts, and resolves a notification.
//
// Returns (nil, nil) for irrelevant notifications. Malformed notifications return ErrMalformedSignal, and notifications naming an unknown member return ErrUnresolvedSubject; callers are expected to log and drop both.
func (a *Adapter) Parse(ctx context.Context, n Notification) (*Signal, error) {
	kind := a.Classify(n)
	if kind == KindIrrelevant {
		return nil, nil
	}

	sig, err := a.Phrases.Extract(kind, n.Content)
	if err != nil {
		signalsDropped.WithLabelValues(string(kind), "malformed").Inc()
		return nil, fmt.Errorf("parsing %s notification: %w", kind, err)
	}
	if kind == KindSkipped {
		signalsParsed.WithLabelValues(string(kind)).Inc()
		return sig, nil
	}

	member, err := a.Directory.ResolveName(ctx, sig.SubjectName)
	if errors.Is(err, guild.ErrMemberNotFound) {
		signalsDropped.WithLabelValues(string(kind), "unresolved").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnresolvedSubject, sig.SubjectName)
	} else if err != nil {
		return nil, fmt.Errorf("resolving signal subject: %w", err)
	}
	sig.SubjectID = member.ID

	sig.IssuerID = n.IssuerID
	sig.IssuerName = a.ModeratorName(ctx, n.IssuerID)

	signalsParsed.WithLabelValues(string(kind)).Inc()
	return sig, nil
}

// Display name for a moderator, from the cache or the directory. Falls back to DefaultIssuer.
func (a *Adapter) ModeratorName(ctx context.Context, issuerID string) string {
	if issuerID == "" {
		return a.DefaultIssuer
	}

	a.mu.Lock()
	name, ok := a.moderators[issuerID]
	a.mu.Unlock()
	if ok {
		return name
	}

	member, err := a.Directory.GetMember(ctx, issuerID)
	if err != nil {
		// not cached, so a later lookup can succeed
		a.Logger.Warn("failed to resolve moderator", "issuer", issuerID, "err", err)
		return a.DefaultIssuer
	}
	name = member.DisplayName()

	a.mu.Lock()
	if a.moderators == nil {
		a.moderators = make(map[string]string)
	}
	a.moderators[issuerID] = name
	a.mu.Unlock()
	return name
}

// Drops all cached moderator names; they are re-fetched on demand.
func (a *Adapter) ResetModerators() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moderators = nil
}

// Adds a member to the watchlist, so their next message gets acknowledged.
func (a *Adapter) Watch(memberID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchlist[memberID] = true
}

func (a *Adapter) Unwatch(memberID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.watchlist, memberID)
}

// Returns true, exactly once, if the author of a message is on the watchlist.
func (a *Adapter) Acknowledge(authorID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.watchlist[authorID] {
		return false
	}
	delete(a.watchlist, authorID)
	return true
}
