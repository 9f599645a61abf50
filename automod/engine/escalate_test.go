package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/referee-bot/referee/automod/guild"

	"github.com/stretchr/testify/assert"
)

type captureNotifier struct {
	mu          sync.Mutex
	Punishments []Punishment
}

func (n *captureNotifier) SendPunishment(ctx context.Context, p *Punishment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Punishments = append(n.Punishments, *p)
	return nil
}

func TestEscalationPolicy(t *testing.T) {
	assert := assert.New(t)

	p := EscalationPolicy{BaseUnit: 3600 * time.Second, Factor: 4}
	assert.Equal(time.Duration(0), p.Duration(0))
	assert.Equal(time.Duration(0), p.Duration(1))
	assert.Equal(3600*time.Second, p.Duration(2))
	assert.Equal(14400*time.Second, p.Duration(3))
	assert.Equal(16*time.Hour, p.Duration(4))

	p.MaxDuration = 8 * time.Hour
	assert.Equal(8*time.Hour, p.Duration(4))

	// does not overflow
	p.MaxDuration = 0
	assert.True(p.Duration(100) > 0)

	// the first punished offense gets exactly the base unit
	p = EscalationPolicy{BaseUnit: time.Minute, Factor: 2}
	assert.Equal(time.Minute, p.Duration(2))
	assert.Equal(4*time.Minute, p.Duration(4))
}

func TestEscalateRepeatOffender(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	notes := &captureNotifier{}
	eng.Escalator.Notifiers = []Notifier{notes}

	for _, reason := range []string{"one", "two", "three"} {
		_, err := eng.RecordWarning(ctx, "100", reason, "modA", time.Time{})
		assert.NoError(err)
	}
	eng.Escalator.Wait()

	assert.ElementsMatch([]time.Duration{time.Hour, 4 * time.Hour}, f.HoldDurations())
	// released after the hold
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Muted")
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")

	assert.Len(notes.Punishments, 2)
	last := notes.Punishments[1]
	assert.True(last.Applied)
	assert.Equal(3, last.ActiveWarnings)
	assert.Equal("hammy has been warned 3 times in the last 24 hours, and is restricted for 4h0m0s", last.Text())
}

func TestEscalateOverlappingHolds(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	esc := f.Engine.Escalator

	role, err := esc.restrictionRole(ctx)
	assert.NoError(err)
	assert.NoError(f.Guild.AddMemberRole(ctx, "100", role.ID))

	// two holds for one member; the second supersedes the first
	esc.holds.Store("100", 1)
	esc.holds.Store("100", 2)

	esc.release("100", role.ID, 1)
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Muted")

	esc.release("100", role.ID, 2)
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Muted")
	_, ok := esc.holds.Load("100")
	assert.False(ok)
}

func TestEscalateShutdownReleases(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	esc := f.Engine.Escalator
	// real timer
	esc.Sleep = nil

	member, err := f.Guild.GetMember(ctx, "100")
	assert.NoError(err)
	p, err := esc.Escalate(ctx, member, 2)
	assert.NoError(err)
	assert.True(p.Applied)
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Muted")

	esc.Shutdown()
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Muted")
}

func TestEscalateQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	esc := f.Engine.Escalator
	esc.QuotaPerDay = 1

	member, err := f.Guild.GetMember(ctx, "100")
	assert.NoError(err)

	p, err := esc.Escalate(ctx, member, 2)
	assert.NoError(err)
	assert.True(p.Applied)

	p, err = esc.Escalate(ctx, member, 3)
	assert.NoError(err)
	assert.False(p.Applied)
	assert.Equal("hammy has been warned 3 times in the last 24 hours", p.Text())

	// first offense never punished, quota or not
	p, err = esc.Escalate(ctx, member, 1)
	assert.NoError(err)
	assert.Nil(p)

	esc.Wait()
	assert.Len(f.HoldDurations(), 1)
}

func TestEscalateQuotaOnlyChargedWhenApplied(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	esc := f.Engine.Escalator
	esc.QuotaPerDay = 1

	member, err := f.Guild.GetMember(ctx, "100")
	assert.NoError(err)

	esc.Markers = rejectingMarkers{Markers: f.Guild, rejectAdd: true}
	p, err := esc.Escalate(ctx, member, 2)
	assert.ErrorIs(err, guild.ErrPermission)
	assert.Nil(p)

	// the failed attempt did not use up today's quota
	esc.Markers = f.Guild
	p, err = esc.Escalate(ctx, member, 2)
	assert.NoError(err)
	assert.True(p.Applied)

	esc.Wait()
	assert.Equal([]time.Duration{time.Hour}, f.HoldDurations())
}

func TestSlackNotifier(t *testing.T) {
	assert := assert.New(t)

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hook" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := &SlackNotifier{SlackWebhookURL: srv.URL + "/hook", Client: srv.Client()}
	err := n.SendPunishment(context.Background(), &Punishment{
		SubjectID:      "100",
		SubjectName:    "hammy",
		ActiveWarnings: 2,
		Lifetime:       24 * time.Hour,
		Duration:       time.Hour,
		Applied:        true,
	})
	assert.NoError(err)
	assert.Contains(body, "hammy has been warned 2 times")

	n.SlackWebhookURL = srv.URL + "/missing"
	assert.Error(n.SendPunishment(context.Background(), &Punishment{SubjectName: "hammy"}))
}
