package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/referee-bot/referee/automod/countstore"
	"github.com/referee-bot/referee/automod/guild"

	"github.com/puzpuzpuz/xsync/v3"
)

// Exponential punishment schedule, keyed to the number of active warnings.
type EscalationPolicy struct {
	BaseUnit time.Duration
	Factor   float64
	// upper bound on any single punishment. zero means no bound
	MaxDuration time.Duration
}

func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		BaseUnit: time.Hour,
		Factor:   4,
	}
}

// Restriction duration for a member with n active warnings: BaseUnit * Factor^(n-2).
//
// A first offense (n <= 1) is never punished. The first punished offense (n = 2) gets exactly BaseUnit, and each further active warning multiplies that by Factor; with the defaults that is 1h, 4h, 16h. The result is capped at MaxDuration when that is set.
func (p EscalationPolicy) Duration(n int) time.Duration {
	if n <= 1 || p.BaseUnit <= 0 {
		return 0
	}
	out := time.Duration(math.MaxInt64)
	if d := float64(p.BaseUnit) * math.Pow(p.Factor, float64(n-2)); d < math.MaxInt64 {
		out = time.Duration(d)
	}
	if p.MaxDuration > 0 && out > p.MaxDuration {
		out = p.MaxDuration
	}
	return out
}

// Applies temporary restriction roles to repeat offenders.
//
// Each restriction is held by a background goroutine and released when its duration elapses (or on Shutdown). If a member is punished again while already restricted, only the newest hold releases the role.
type Escalator struct {
	Logger  *slog.Logger
	Markers guild.Markers
	Policy  EscalationPolicy
	// name of the restriction role; created (uncolored) if it does not exist
	RoleName string
	// used for the "warned N times in the last H" notice text
	WarningLifetime time.Duration
	// daily automation quota. skipped if Counters is nil or QuotaPerDay is zero
	Counters    countstore.CountStore
	QuotaPerDay int
	Notifiers   []Notifier
	// replaces the hold timer in tests
	Sleep func(d time.Duration)
	Now   func() time.Time

	holds    *xsync.MapOf[string, uint64]
	seq      atomic.Uint64
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewEscalator(markers guild.Markers, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		Logger:          logger.With("component", "escalator"),
		Markers:         markers,
		Policy:          DefaultEscalationPolicy(),
		RoleName:        "Muted",
		WarningLifetime: DefaultConfig().WarningLifetime,
		Now:             time.Now,
		holds:           xsync.NewMapOf[string, uint64](),
		stop:            make(chan struct{}),
	}
}

// Punishes a member who currently has n active warnings. No-op (nil, nil) for n <= 1.
//
// Returns once the restriction is applied; the release happens in the background. Failures here never affect recorded warnings.
func (esc *Escalator) Escalate(ctx context.Context, member *guild.Member, n int) (*Punishment, error) {
	d := esc.Policy.Duration(n)
	if d <= 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "Escalate")
	defer span.End()

	logger := esc.Logger.With("subject", member.ID, "warnings", n)
	p := &Punishment{
		SubjectID:      member.ID,
		SubjectName:    member.DisplayName(),
		ActiveWarnings: n,
		Lifetime:       esc.WarningLifetime,
		Duration:       d,
		At:             esc.Now(),
	}

	ok, err := esc.quotaAvailable(ctx)
	if err != nil {
		punishmentCount.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		logger.Warn("CIRCUIT BREAKER: automated punishments")
		punishmentCount.WithLabelValues("quota").Inc()
		esc.notify(ctx, p)
		return p, nil
	}

	role, err := esc.restrictionRole(ctx)
	if err != nil {
		punishmentCount.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := esc.Markers.AddMemberRole(ctx, member.ID, role.ID); err != nil {
		punishmentCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("applying restriction role: %w", err)
	}
	p.Applied = true
	punishmentCount.WithLabelValues("applied").Inc()
	esc.chargeQuota(ctx, logger)
	logger.Info("restricted member", "duration", d)

	token := esc.seq.Add(1)
	esc.holds.Store(member.ID, token)
	esc.wg.Add(1)
	go esc.hold(member.ID, role.ID, token, d)

	esc.notify(ctx, p)
	return p, nil
}

// false once today's automated punishment quota is used up
func (esc *Escalator) quotaAvailable(ctx context.Context) (bool, error) {
	if esc.Counters == nil || esc.QuotaPerDay <= 0 {
		return true, nil
	}
	c, err := esc.Counters.GetCount(ctx, "automod-quota", "punishment", countstore.PeriodDay)
	if err != nil {
		return false, fmt.Errorf("checking punishment quota: %w", err)
	}
	return c < esc.QuotaPerDay, nil
}

// counts an applied punishment against the daily quota
func (esc *Escalator) chargeQuota(ctx context.Context, logger *slog.Logger) {
	if esc.Counters == nil || esc.QuotaPerDay <= 0 {
		return
	}
	if err := esc.Counters.Increment(ctx, "automod-quota", "punishment"); err != nil {
		logger.Error("failed to count punishment against quota", "err", err)
	}
}

func (esc *Escalator) restrictionRole(ctx context.Context) (*guild.Role, error) {
	roles, err := esc.Markers.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	for i := range roles {
		if roles[i].Name == esc.RoleName {
			return &roles[i], nil
		}
	}
	role, err := esc.Markers.CreateRole(ctx, esc.RoleName, guild.RGB{})
	if err != nil {
		return nil, fmt.Errorf("creating restriction role: %w", err)
	}
	return role, nil
}

func (esc *Escalator) hold(memberID, roleID string, token uint64, d time.Duration) {
	defer esc.wg.Done()
	// release runs even if the wait panics
	defer esc.release(memberID, roleID, token)
	esc.wait(d)
}

func (esc *Escalator) wait(d time.Duration) {
	if esc.Sleep != nil {
		esc.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-esc.stop:
	}
}

func (esc *Escalator) release(memberID, roleID string, token uint64) {
	if r := recover(); r != nil {
		esc.Logger.Error("punishment hold exception", "err", r, "subject", memberID)
	}

	newest := false
	esc.holds.Compute(memberID, func(cur uint64, loaded bool) (uint64, bool) {
		newest = loaded && cur == token
		// delete if this was the newest hold (or nothing was stored)
		return cur, newest || !loaded
	})
	if !newest {
		esc.Logger.Debug("restriction superseded by newer punishment", "subject", memberID)
		return
	}

	// the triggering request is long gone by now
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := esc.Markers.RemoveMemberRole(ctx, memberID, roleID); err != nil {
		esc.Logger.Error("failed to release restriction role", "subject", memberID, "err", err)
		return
	}
	esc.Logger.Info("released restriction", "subject", memberID)
}

func (esc *Escalator) notify(ctx context.Context, p *Punishment) {
	for _, n := range esc.Notifiers {
		if err := n.SendPunishment(ctx, p); err != nil {
			esc.Logger.Error("failed to send punishment notification", "subject", p.SubjectID, "err", err)
		}
	}
}

// Blocks until all outstanding restriction holds have been released.
func (esc *Escalator) Wait() {
	esc.wg.Wait()
}

// Ends every outstanding hold early, releasing restriction roles, and waits for that to finish.
func (esc *Escalator) Shutdown() {
	esc.stopOnce.Do(func() { close(esc.stop) })
	esc.wg.Wait()
}
