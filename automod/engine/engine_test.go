package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/referee-bot/referee/automod/cachestore"
	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/signal"
	"github.com/referee-bot/referee/automod/warningstore"

	"github.com/stretchr/testify/assert"
)

func heldRoleNames(t *testing.T, g *guild.MemGuild, memberID string) []string {
	roles, err := g.MemberRoles(context.Background(), memberID)
	if err != nil {
		t.Fatal(err)
	}
	out := []string{}
	for _, r := range roles {
		out = append(out, r.Name)
	}
	return out
}

func countNames(names []string, name string) int {
	n := 0
	for _, v := range names {
		if v == name {
			n++
		}
	}
	return n
}

// warning store whose operations fail on demand
type failingStore struct {
	*warningstore.MemWarningStore
	// operations ("put", "get-active", "force-expire") which fail
	failOps map[string]bool
	// if non-empty, only these subjects fail
	failSubjects map[string]bool
}

func (s *failingStore) fail(op, subject string) error {
	if !s.failOps[op] {
		return nil
	}
	if len(s.failSubjects) > 0 && !s.failSubjects[subject] {
		return nil
	}
	return &warningstore.StorageError{Op: op, Err: errors.New("connection reset by peer")}
}

func (s *failingStore) Put(ctx context.Context, w *warningstore.Warning) error {
	if err := s.fail("put", w.SubjectID); err != nil {
		return err
	}
	return s.MemWarningStore.Put(ctx, w)
}

func (s *failingStore) GetActive(ctx context.Context, subject string) ([]warningstore.Warning, error) {
	if err := s.fail("get-active", subject); err != nil {
		return nil, err
	}
	return s.MemWarningStore.GetActive(ctx, subject)
}

func (s *failingStore) ForceExpire(ctx context.Context, subject string) (int, error) {
	if err := s.fail("force-expire", subject); err != nil {
		return 0, err
	}
	return s.MemWarningStore.ForceExpire(ctx, subject)
}

// marker system which refuses role creation and/or assignment
type rejectingMarkers struct {
	guild.Markers
	rejectCreate bool
	rejectAdd    bool
}

func (m rejectingMarkers) CreateRole(ctx context.Context, name string, color guild.RGB) (*guild.Role, error) {
	if m.rejectCreate {
		return nil, fmt.Errorf("%w: manage roles", guild.ErrPermission)
	}
	return m.Markers.CreateRole(ctx, name, color)
}

func (m rejectingMarkers) AddMemberRole(ctx context.Context, memberID, roleID string) error {
	if m.rejectAdd {
		return fmt.Errorf("%w: assign role", guild.ErrPermission)
	}
	return m.Markers.AddMemberRole(ctx, memberID, roleID)
}

// widens the window between reading roles and acting on them
type slowMarkers struct {
	guild.Markers
	delay time.Duration
}

func (m slowMarkers) ListRoles(ctx context.Context) ([]guild.Role, error) {
	time.Sleep(m.delay)
	return m.Markers.ListRoles(ctx)
}

func (m slowMarkers) MemberRoles(ctx context.Context, memberID string) ([]guild.Role, error) {
	time.Sleep(m.delay)
	return m.Markers.MemberRoles(ctx, memberID)
}

func putWarning(t *testing.T, f *TestFixture, subject string) {
	now := f.Clock.Now()
	err := f.Store.Put(context.Background(), &warningstore.Warning{
		SubjectID:  subject,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
		Reason:     "spam",
		IssuerName: "modA",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecordWarningRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	w, err := eng.RecordWarning(ctx, "100", "spam", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)
	assert.NotZero(w.ID)

	all, err := eng.ListWarnings(ctx, "100")
	assert.NoError(err)
	assert.Len(all, 1)
	assert.Equal("spam", all[0].Reason)
	assert.Equal("modA", all[0].IssuerName)
	assert.Equal(w.ID, all[0].ID)

	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")

	// zero expiry means default lifetime
	w, err = eng.RecordWarning(ctx, "200", "rude", "modA", time.Time{})
	assert.NoError(err)
	assert.Equal(f.Clock.Now().Add(eng.Config.WarningLifetime), w.ExpiresAt)
}

func TestReconcileIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	_, err := eng.RecordWarning(ctx, "100", "spam", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)
	before := f.Guild.MutationCalls()

	action, err := eng.Reconcile(ctx, "100")
	assert.NoError(err)
	assert.Equal(ActionNone, action)
	action, err = eng.Reconcile(ctx, "100")
	assert.NoError(err)
	assert.Equal(ActionNone, action)
	assert.Equal(before, f.Guild.MutationCalls())
}

func TestReconcileReusesMarker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	f.Guild.InsertRole(guild.Role{ID: "r-warned", Name: "Warned", Color: MarkerColor(guild.RGB{R: 200, G: 40, B: 40}), Position: 10})
	// a marker with the wrong color is not reused
	f.Guild.InsertRole(guild.Role{ID: "r-warned-grey", Name: "Warned", Color: markerFallbackColor, Position: 11})
	assert.NoError(f.Store.Put(ctx, &warningstore.Warning{SubjectID: "100", IssuedAt: f.Clock.Now(), ExpiresAt: f.Clock.Now().Add(time.Hour)}))

	action, err := eng.Reconcile(ctx, "100")
	assert.NoError(err)
	assert.Equal(ActionAssigned, action)
	// only the role assignment; no create or move
	assert.Equal(1, f.Guild.MutationCalls())

	roles, err := f.Guild.MemberRoles(ctx, "100")
	assert.NoError(err)
	assert.Len(roles, 1)
	assert.Equal("r-warned", roles[0].ID)

	action, err = eng.Reconcile(ctx, "100")
	assert.NoError(err)
	assert.Equal(ActionNone, action)
	assert.Equal(1, f.Guild.MutationCalls())
}

func TestReconcileRepositionsMarker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	_, err := eng.RecordWarning(ctx, "200", "rude", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)

	roles, err := f.Guild.MemberRoles(ctx, "200")
	assert.NoError(err)
	for _, r := range roles {
		if r.Name == "Warned" {
			// moved up to the member's top role (Moderator, 5)
			assert.Equal(5, r.Position)
			// member color is the Moderator blue, halved
			assert.Equal(guild.RGB{R: 0, G: 0, B: 127}, r.Color)
		}
	}
	assert.Contains(heldRoleNames(t, f.Guild, "200"), "Warned")
}

func TestClearWarnings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	for _, reason := range []string{"spam", "more spam"} {
		_, err := eng.RecordWarning(ctx, "100", reason, "modA", f.Clock.Now().Add(time.Hour))
		assert.NoError(err)
	}
	f.Engine.Escalator.Wait()

	n, err := eng.ClearWarnings(ctx, "100")
	assert.NoError(err)
	assert.Equal(2, n)

	active, err := eng.ListActiveWarnings(ctx, "100")
	assert.NoError(err)
	assert.Empty(active)
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")

	// history retained, expiry lowered to "now"
	all, err := eng.ListWarnings(ctx, "100")
	assert.NoError(err)
	assert.Len(all, 2)
	for _, w := range all {
		assert.Equal(f.Clock.Now(), w.ExpiresAt)
	}

	action, err := eng.Reconcile(ctx, "100")
	assert.NoError(err)
	assert.Equal(ActionNone, action)

	// clearing again touches nothing, and never raises expiry
	f.Clock.Advance(time.Minute)
	n, err = eng.ClearWarnings(ctx, "100")
	assert.NoError(err)
	assert.Equal(0, n)
	all, err = eng.ListWarnings(ctx, "100")
	assert.NoError(err)
	for _, w := range all {
		assert.True(w.ExpiresAt.Before(f.Clock.Now()))
	}
}

func TestSweepAfterExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	t0 := f.Clock.Now()
	_, err := eng.RecordWarning(ctx, "100", "spam", "modA", t0.Add(time.Hour))
	assert.NoError(err)
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")

	f.Clock.Advance(61 * time.Minute)
	stats, err := eng.Sweep(ctx)
	assert.NoError(err)
	assert.Equal(2, stats.Checked)
	assert.Equal(1, stats.Removed)
	assert.Equal(0, stats.Errors)
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")

	all, err := eng.ListAllActive(ctx)
	assert.NoError(err)
	assert.Empty(all)
}

func TestSweepAssignsMissingMarker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	// written behind the engine's back, eg by another process
	assert.NoError(f.Store.Put(ctx, &warningstore.Warning{SubjectID: "200", IssuedAt: f.Clock.Now(), ExpiresAt: f.Clock.Now().Add(time.Hour)}))

	stats, err := f.Engine.Sweep(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.Assigned)
	assert.Contains(heldRoleNames(t, f.Guild, "200"), "Warned")
}

func TestMarkerPermissionIsolated(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	// bot ranks below the Moderator role
	f.Guild.BotPosition = 3

	w, err := eng.RecordWarning(ctx, "200", "rude", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)
	assert.NotNil(w)

	_, err = eng.Reconcile(ctx, "200")
	assert.ErrorIs(err, guild.ErrPermission)

	_, err = eng.RecordWarning(ctx, "100", "spam", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)

	stats, err := eng.Sweep(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.Errors)
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")

	active, err := eng.ListActiveWarnings(ctx, "200")
	assert.NoError(err)
	assert.Len(active, 1)
}

func TestMarkerColor(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(guild.RGB{R: 120, G: 100, B: 100}, MarkerColor(guild.RGB{}))
	assert.Equal(guild.RGB{R: 100, G: 20, B: 20}, MarkerColor(guild.RGB{R: 200, G: 40, B: 40}))
	// grey, but bright enough
	assert.Equal(guild.RGB{R: 127, G: 127, B: 127}, MarkerColor(guild.RGB{R: 255, G: 255, B: 255}))
	// dark, but not grey
	assert.Equal(guild.RGB{R: 0, G: 0, B: 127}, MarkerColor(guild.RGB{R: 0, G: 0, B: 255}))
}

func TestDedupeWindow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	eng.Dedupe = cachestore.NewMemCacheStore(100, time.Minute)

	_, err := eng.RecordWarning(ctx, "100", "spam", "modA", time.Time{})
	assert.NoError(err)
	_, err = eng.RecordWarning(ctx, "100", "spam", "modA", time.Time{})
	assert.ErrorIs(err, ErrDuplicateWarning)
	_, err = eng.RecordWarning(ctx, "100", "spam", "modB", time.Time{})
	assert.NoError(err)

	all, err := eng.ListWarnings(ctx, "100")
	assert.NoError(err)
	assert.Len(all, 2)
}

func TestProcessNotification(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine

	sig, err := eng.ProcessNotification(ctx, signal.Notification{
		AuthorID: signal.DefaultSenderID,
		Content:  "<:dynoSuccess:314691591484866560> ***hammy has been warned.***, spamming links",
	})
	assert.NoError(err)
	assert.Equal(signal.KindIssued, sig.Kind)
	assert.Equal("100", sig.SubjectID)

	active, err := eng.ListActiveWarnings(ctx, "100")
	assert.NoError(err)
	assert.Len(active, 1)
	assert.Equal("spamming links", active[0].Reason)
	assert.Equal("Dyno", active[0].IssuerName)
	assert.Equal(f.Clock.Now().Add(eng.Config.WarningLifetime), active[0].ExpiresAt)

	// the warned member's next message is acknowledged, once
	sig, err = eng.ProcessNotification(ctx, signal.Notification{AuthorID: "100", Content: "sorry"})
	assert.NoError(err)
	assert.Equal(signal.KindAcknowledge, sig.Kind)
	sig, err = eng.ProcessNotification(ctx, signal.Notification{AuthorID: "100", Content: "really"})
	assert.NoError(err)
	assert.Nil(sig)

	sig, err = eng.ProcessNotification(ctx, signal.Notification{AuthorID: signal.DefaultSenderID, Content: "<:dynoError:1> hammy was not warned."})
	assert.NoError(err)
	assert.Equal(signal.KindSkipped, sig.Kind)

	_, err = eng.ProcessNotification(ctx, signal.Notification{AuthorID: signal.DefaultSenderID, Content: "hammy has been warned"})
	assert.ErrorIs(err, signal.ErrMalformedSignal)
	_, err = eng.ProcessNotification(ctx, signal.Notification{AuthorID: signal.DefaultSenderID, Content: "<:ok:1> nobody has been warned., spam"})
	assert.ErrorIs(err, signal.ErrUnresolvedSubject)

	active, err = eng.ListActiveWarnings(ctx, "100")
	assert.NoError(err)
	assert.Len(active, 1)

	sig, err = eng.ProcessNotification(ctx, signal.Notification{
		AuthorID: signal.DefaultSenderID,
		Content:  "<:dynoSuccess:314691591484866560> Cleared 1 warnings for hammy.",
	})
	assert.NoError(err)
	assert.Equal(signal.KindCleared, sig.Kind)
	active, err = eng.ListActiveWarnings(ctx, "100")
	assert.NoError(err)
	assert.Empty(active)
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")
}

func TestRunSweepLoop(t *testing.T) {
	assert := assert.New(t)
	f := EngineTestFixture()
	eng := f.Engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := eng.RecordWarning(ctx, "100", "spam", "modA", f.Clock.Now().Add(time.Hour))
	assert.NoError(err)
	f.Clock.Advance(2 * time.Hour)

	done := make(chan error)
	go func() {
		done <- eng.RunSweepLoop(ctx, 10*time.Millisecond)
	}()
	assert.Eventually(func() bool {
		roles, err := f.Guild.MemberRoles(context.Background(), "100")
		return err == nil && len(roles) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(<-done)
}

func TestEscalationIndependentOfMarkerSync(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	eng.Markers = rejectingMarkers{Markers: f.Guild, rejectCreate: true}

	for _, reason := range []string{"one", "two"} {
		w, err := eng.RecordWarning(ctx, "100", reason, "modA", time.Time{})
		assert.NoError(err)
		assert.NotNil(w)
	}
	eng.Escalator.Wait()

	// marker never assigned, but the second offense is still punished
	assert.Equal([]time.Duration{time.Hour}, f.HoldDurations())
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")
}

func TestReconcileConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	eng.Markers = slowMarkers{Markers: f.Guild, delay: 5 * time.Millisecond}
	// same color as "100", so both share one marker role
	f.Guild.InsertMember(guild.Member{ID: "300", Username: "hammier", Color: guild.RGB{R: 200, G: 40, B: 40}})
	putWarning(t, f, "100")
	putWarning(t, f, "300")

	actions := make(chan ReconcileAction, 16)
	var wg sync.WaitGroup
	for range 8 {
		for _, subject := range []string{"100", "300"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				action, err := eng.Reconcile(ctx, subject)
				assert.NoError(err)
				actions <- action
			}()
		}
	}
	wg.Wait()
	close(actions)

	assigned := 0
	for a := range actions {
		if a == ActionAssigned {
			assigned++
		}
	}
	assert.Equal(2, assigned)

	roles, err := f.Guild.ListRoles(ctx)
	assert.NoError(err)
	names := []string{}
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.Equal(1, countNames(names, "Warned"))
	assert.Equal(1, countNames(heldRoleNames(t, f.Guild, "100"), "Warned"))
	assert.Equal(1, countNames(heldRoleNames(t, f.Guild, "300"), "Warned"))
}

func TestStorageFailurePropagates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	store := &failingStore{MemWarningStore: f.Store, failOps: map[string]bool{}}
	eng.Store = store
	var se *warningstore.StorageError

	store.failOps["put"] = true
	_, err := eng.RecordWarning(ctx, "100", "spam", "modA", time.Time{})
	if assert.True(errors.As(err, &se)) {
		assert.Equal("put", se.Op)
	}
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")
	assert.Equal(0, f.Guild.MutationCalls())
	store.failOps["put"] = false

	_, err = eng.RecordWarning(ctx, "100", "spam", "modA", time.Time{})
	assert.NoError(err)
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")
	mutations := f.Guild.MutationCalls()

	store.failOps["force-expire"] = true
	_, err = eng.ClearWarnings(ctx, "100")
	if assert.True(errors.As(err, &se)) {
		assert.Equal("force-expire", se.Op)
	}

	store.failOps["get-active"] = true
	_, err = eng.Reconcile(ctx, "100")
	if assert.True(errors.As(err, &se)) {
		assert.Equal("get-active", se.Op)
	}

	// the marker is left as it was
	assert.Equal(mutations, f.Guild.MutationCalls())
	assert.Contains(heldRoleNames(t, f.Guild, "100"), "Warned")
}

func TestSweepContinuesPastStorageError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	eng := f.Engine
	putWarning(t, f, "100")
	putWarning(t, f, "200")
	eng.Store = &failingStore{
		MemWarningStore: f.Store,
		failOps:         map[string]bool{"get-active": true},
		failSubjects:    map[string]bool{"100": true},
	}

	stats, err := eng.Sweep(ctx)
	assert.NoError(err)
	assert.Equal(2, stats.Checked)
	assert.Equal(1, stats.Errors)
	assert.Equal(1, stats.Assigned)
	assert.NotContains(heldRoleNames(t, f.Guild, "100"), "Warned")
	assert.Contains(heldRoleNames(t, f.Guild, "200"), "Warned")
}
