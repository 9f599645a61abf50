package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/referee-bot/referee/automod/cachestore"
	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/helpers"
	"github.com/referee-bot/referee/automod/signal"
	"github.com/referee-bot/referee/automod/warningstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("engine")

// returned by RecordWarning when an identical warning (same subject and issuer) was recorded within the dedupe window
var ErrDuplicateWarning = errors.New("duplicate warning within dedupe window")

var dedupeNamespace = "warning-dedupe"

type dedupeEntry struct {
	WarningID uint64    `json:"warning_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

type Config struct {
	// name of the role used to mark members with active warnings
	MarkerRoleName string
	// how long a warning stays active, when the caller does not give an explicit expiry
	WarningLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{
		MarkerRoleName:  "Warned",
		WarningLifetime: 24 * time.Hour,
	}
}

// Lifecycle manager for member warnings: records and clears warnings, and keeps the marker role in sync with them.
//
// The warning store is the only source of truth. Marker roles are a best-effort cache of "has active warnings", and are corrected by Reconcile (on every write, and periodically by the sweep loop).
//
// Store, Directory, and Markers must be non-nil. The other pointer fields are optional.
type Engine struct {
	Logger    *slog.Logger
	Store     warningstore.WarningStore
	Directory guild.Directory
	Markers   guild.Markers
	// parses raw notifications; required for ProcessNotification
	Signals   *signal.Adapter
	Escalator *Escalator
	// natural-key dedupe of warnings; the window is the cache TTL. nil disables
	Dedupe cachestore.CacheStore
	// throttles mutating calls to the marker system
	Limiter *rate.Limiter
	Config  Config
	Now     func() time.Time

	lockOnce sync.Once
	locks    *keyedMutex
}

// serializes marker mutations sharing a key, within this process
func (eng *Engine) lock(key string) func() {
	eng.lockOnce.Do(func() { eng.locks = newKeyedMutex() })
	return eng.locks.Lock(key)
}

func (eng *Engine) now() time.Time {
	if eng.Now != nil {
		return eng.Now()
	}
	return time.Now()
}

// Resolves a free-text member reference (ID, mention, or name) to a guild member.
func (eng *Engine) ResolveSubject(ctx context.Context, ref string) (*guild.Member, error) {
	m, err := eng.Directory.GetMember(ctx, ref)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, guild.ErrMemberNotFound) {
		return nil, err
	}
	return eng.Directory.ResolveName(ctx, ref)
}

// Persists exactly one new warning, then syncs the marker role and runs punishment escalation.
//
// Only a failure to persist is returned as an error; marker and escalation failures are logged, and left for the next sweep.
func (eng *Engine) RecordWarning(ctx context.Context, subject, reason, issuer string, expiresAt time.Time) (*warningstore.Warning, error) {
	ctx, span := tracer.Start(ctx, "RecordWarning")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	logger := eng.Logger.With("subject", subject)
	now := eng.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(eng.Config.WarningLifetime)
	}

	dedupeKey := helpers.HashOfString(subject + "/" + issuer)
	if eng.Dedupe != nil {
		var prev dedupeEntry
		found, err := cachestore.GetJSON(ctx, eng.Dedupe, dedupeNamespace, dedupeKey, &prev)
		if err != nil {
			logger.Warn("failed to check warning dedupe cache", "err", err)
		} else if found {
			warningsDeduped.Inc()
			return nil, fmt.Errorf("%w: subject=%s issuer=%s previous=%d", ErrDuplicateWarning, subject, issuer, prev.WarningID)
		}
	}

	w := &warningstore.Warning{
		SubjectID:  subject,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		Reason:     reason,
		IssuerName: issuer,
	}
	if err := eng.Store.Put(ctx, w); err != nil {
		span.RecordError(err)
		return nil, err
	}
	warningsRecorded.Inc()
	logger.Info("recorded warning", "id", w.ID, "issuer", issuer, "expires", w.ExpiresAt)

	if eng.Dedupe != nil {
		entry := dedupeEntry{WarningID: w.ID, IssuedAt: w.IssuedAt}
		if err := cachestore.SetJSON(ctx, eng.Dedupe, dedupeNamespace, dedupeKey, entry); err != nil {
			logger.Warn("failed to update warning dedupe cache", "err", err)
		}
	}
	if eng.Signals != nil {
		eng.Signals.Watch(subject)
	}

	// marker sync is best-effort; escalation only needs the member and their active warnings
	status, err := eng.CheckMember(ctx, subject)
	if err != nil {
		logger.Warn("marker sync failed after recording warning", "err", err)
	}
	if eng.Escalator != nil && status != nil && status.Member != nil {
		if _, err := eng.Escalator.Escalate(ctx, status.Member, len(status.Active)); err != nil {
			logger.Error("punishment escalation failed", "err", err)
		}
	}
	return w, nil
}

// Force-expires every active warning for the subject (history is retained), then syncs the marker role. Returns the number of warnings expired.
func (eng *Engine) ClearWarnings(ctx context.Context, subject string) (int, error) {
	ctx, span := tracer.Start(ctx, "ClearWarnings")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	logger := eng.Logger.With("subject", subject)
	n, err := eng.Store.ForceExpire(ctx, subject)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	warningsCleared.Add(float64(n))
	logger.Info("cleared warnings", "count", n)

	if eng.Signals != nil {
		eng.Signals.Unwatch(subject)
	}
	if _, err := eng.Reconcile(ctx, subject); err != nil {
		logger.Warn("marker sync failed after clearing warnings", "err", err)
	}
	return n, nil
}

func (eng *Engine) ListWarnings(ctx context.Context, subject string) ([]warningstore.Warning, error) {
	return eng.Store.GetAll(ctx, subject)
}

func (eng *Engine) ListActiveWarnings(ctx context.Context, subject string) ([]warningstore.Warning, error) {
	return eng.Store.GetActive(ctx, subject)
}

// Every warning ever recorded, grouped by subject.
func (eng *Engine) ListAllWarnings(ctx context.Context) (map[string][]warningstore.Warning, error) {
	return eng.Store.GetAllGrouped(ctx)
}

// Distinct subjects which have ever been warned.
func (eng *Engine) ListWarnedSubjects(ctx context.Context) ([]string, error) {
	return eng.Store.ListSubjects(ctx)
}

// All active warnings, grouped by subject. Subjects without active warnings are omitted.
func (eng *Engine) ListAllActive(ctx context.Context) (map[string][]warningstore.Warning, error) {
	return eng.Store.GetAllActiveGrouped(ctx)
}

// Handles one raw notification: parses it, and records or clears warnings accordingly.
//
// Returns (nil, nil) for notifications which are not moderation signals. Malformed and unresolvable signals are logged and returned as errors wrapping signal.ErrMalformedSignal or signal.ErrUnresolvedSubject; nothing is persisted for them.
func (eng *Engine) ProcessNotification(ctx context.Context, n signal.Notification) (sig *signal.Signal, err error) {
	// similar to an HTTP server, we want to recover any panics from signal handling
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("notification processing exception", "err", r, "author", n.AuthorID)
			sig = nil
			err = fmt.Errorf("notification processing panic: %v", r)
		}
	}()

	ctx, span := tracer.Start(ctx, "ProcessNotification")
	defer span.End()

	if eng.Signals == nil {
		return nil, fmt.Errorf("no signal adapter configured")
	}

	sig, err = eng.Signals.Parse(ctx, n)
	if err != nil {
		if errors.Is(err, signal.ErrMalformedSignal) || errors.Is(err, signal.ErrUnresolvedSubject) {
			eng.Logger.Warn("dropping moderation signal", "err", err, "channel", n.ChannelID)
			notificationsProcessed.WithLabelValues("dropped").Inc()
		}
		span.RecordError(err)
		return nil, err
	}
	if sig == nil {
		if n.AuthorID != eng.Signals.SenderID && eng.Signals.Acknowledge(n.AuthorID) {
			notificationsProcessed.WithLabelValues(string(signal.KindAcknowledge)).Inc()
			return &signal.Signal{Kind: signal.KindAcknowledge, SubjectID: n.AuthorID}, nil
		}
		return nil, nil
	}
	notificationsProcessed.WithLabelValues(string(sig.Kind)).Inc()
	span.SetAttributes(attribute.String("kind", string(sig.Kind)), attribute.String("subject", sig.SubjectID))

	switch sig.Kind {
	case signal.KindIssued:
		_, err := eng.RecordWarning(ctx, sig.SubjectID, sig.Reason, sig.IssuerName, eng.now().Add(eng.Config.WarningLifetime))
		if errors.Is(err, ErrDuplicateWarning) {
			eng.Logger.Info("ignoring duplicate warning signal", "subject", sig.SubjectID, "issuer", sig.IssuerName)
			return sig, nil
		}
		if err != nil {
			return nil, err
		}
	case signal.KindCleared:
		if _, err := eng.ClearWarnings(ctx, sig.SubjectID); err != nil {
			return nil, err
		}
	case signal.KindSkipped:
		eng.Logger.Debug("moderation bot did not issue warning")
	}
	return sig, nil
}
