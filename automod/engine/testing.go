package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/referee-bot/referee/automod/countstore"
	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/signal"
	"github.com/referee-bot/referee/automod/warningstore"
)

// Manually-advanced clock, shared by every component of a test fixture.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(t time.Time) *TestClock {
	return &TestClock{now: t}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type TestFixture struct {
	Engine *Engine
	Guild  *guild.MemGuild
	Store  *warningstore.MemWarningStore
	Clock  *TestClock
	// durations passed to the escalator's hold timer, in order
	Holds   []time.Duration
	holdsMu sync.Mutex
}

func (f *TestFixture) HoldDurations() []time.Duration {
	f.holdsMu.Lock()
	defer f.holdsMu.Unlock()
	return append([]time.Duration{}, f.Holds...)
}

// Engine wired to in-memory collaborators, with a fixed clock and a punishment escalator whose holds return immediately.
//
// Members: "100" (hammy, red), "200" (modder / "Mod Squad", holds the Moderator role).
func EngineTestFixture() *TestFixture {
	clock := NewTestClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	g := guild.NewMemGuild()
	g.InsertRole(guild.Role{ID: "r-mod", Name: "Moderator", Color: guild.RGB{R: 0, G: 0, B: 255}, Position: 5})
	g.InsertMember(guild.Member{ID: "100", Username: "hammy", Color: guild.RGB{R: 200, G: 40, B: 40}})
	g.InsertMember(guild.Member{ID: "200", Username: "modder", Nick: "Mod Squad"}, "r-mod")

	store := warningstore.NewMemWarningStore()
	store.Now = clock.Now

	counters := countstore.NewMemCountStore()
	counters.Now = clock.Now

	f := &TestFixture{
		Guild: g,
		Store: store,
		Clock: clock,
	}

	esc := NewEscalator(g, slog.Default())
	esc.Counters = counters
	esc.Now = clock.Now
	esc.Sleep = func(d time.Duration) {
		f.holdsMu.Lock()
		defer f.holdsMu.Unlock()
		f.Holds = append(f.Holds, d)
	}

	f.Engine = &Engine{
		Logger:    slog.Default(),
		Store:     store,
		Directory: g,
		Markers:   g,
		Signals:   signal.NewAdapter(g, signal.DefaultSenderID, slog.Default()),
		Escalator: esc,
		Config:    DefaultConfig(),
		Now:       clock.Now,
	}
	return f
}
