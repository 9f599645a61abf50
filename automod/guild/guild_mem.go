package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
)

type memMember struct {
	base  Member
	roles map[string]bool
}

// In-process guild, for tests and single-node deployments.
//
// If BotPosition is non-zero, role and member management is restricted to things ranked strictly below it, the same way a chat platform restricts a bot.
type MemGuild struct {
	mu          *sync.RWMutex
	roles       map[string]Role
	members     map[string]*memMember
	nextRoleID  int
	BotPosition int
	mutations   int
}

var _ Guild = (*MemGuild)(nil)

func NewMemGuild() *MemGuild {
	return &MemGuild{
		mu:         &sync.RWMutex{},
		roles:      make(map[string]Role),
		members:    make(map[string]*memMember),
		nextRoleID: 1000,
	}
}

// Count of calls to mutating marker methods, including calls which turned out to be no-ops.
func (g *MemGuild) MutationCalls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mutations
}

func (g *MemGuild) InsertRole(r Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roles[r.ID] = r
}

func (g *MemGuild) InsertMember(m Member, roleIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mm := &memMember{base: m, roles: make(map[string]bool)}
	for _, id := range roleIDs {
		mm.roles[id] = true
	}
	g.members[m.ID] = mm
}

func (g *MemGuild) RemoveMember(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
}

// must be called with lock held
func (g *MemGuild) heldRoles(mm *memMember) []Role {
	out := []Role{}
	for id := range mm.roles {
		if r, ok := g.roles[id]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position > out[j].Position })
	return out
}

// must be called with lock held
func (g *MemGuild) summarize(mm *memMember) Member {
	m := mm.base
	m.Color, m.TopRolePosition = summarizeRoles(mm.base.Color, g.heldRoles(mm))
	return m
}

func (g *MemGuild) roster() []Member {
	out := make([]Member, 0, len(g.members))
	for _, mm := range g.members {
		out = append(out, g.summarize(mm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *MemGuild) ResolveName(ctx context.Context, name string) (*Member, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := matchMember(name, g.roster())
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMemberNotFound, name)
	}
	return m, nil
}

func (g *MemGuild) GetMember(ctx context.Context, id string) (*Member, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	mm, ok := g.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	m := g.summarize(mm)
	return &m, nil
}

func (g *MemGuild) ListMembers(ctx context.Context) ([]Member, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roster(), nil
}

func (g *MemGuild) ListRoles(ctx context.Context) ([]Role, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Role, 0, len(g.roles))
	for _, r := range g.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *MemGuild) CreateRole(ctx context.Context, name string, color RGB) (*Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutations++
	g.nextRoleID++
	// new roles land just above @everyone
	r := Role{
		ID:       strconv.Itoa(g.nextRoleID),
		Name:     name,
		Color:    color,
		Position: 1,
	}
	g.roles[r.ID] = r
	return &r, nil
}

func (g *MemGuild) MoveRole(ctx context.Context, roleID string, position int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutations++
	r, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	if g.BotPosition > 0 && (position >= g.BotPosition || r.Position >= g.BotPosition) {
		return fmt.Errorf("%w: can not move role %s to %d", ErrPermission, roleID, position)
	}
	r.Position = position
	g.roles[roleID] = r
	return nil
}

func (g *MemGuild) MemberRoles(ctx context.Context, memberID string) ([]Role, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	mm, ok := g.members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	return g.heldRoles(mm), nil
}

// must be called with lock held
func (g *MemGuild) checkManageMember(mm *memMember, r Role) error {
	_, top := summarizeRoles(RGB{}, g.heldRoles(mm))
	return checkManage(g.BotPosition, r, mm.base.ID, top)
}

func (g *MemGuild) AddMemberRole(ctx context.Context, memberID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutations++
	mm, ok := g.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	r, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	if err := g.checkManageMember(mm, r); err != nil {
		return err
	}
	mm.roles[roleID] = true
	return nil
}

func (g *MemGuild) RemoveMemberRole(ctx context.Context, memberID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutations++
	mm, ok := g.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	if !mm.roles[roleID] {
		return nil
	}
	if r, ok := g.roles[roleID]; ok {
		if err := g.checkManageMember(mm, r); err != nil {
			return err
		}
	}
	delete(mm.roles, roleID)
	return nil
}

// On-disk format for seeding a guild: roles, and members with the IDs of the roles they hold.
type GuildFile struct {
	BotPosition int          `json:"bot_position"`
	Roles       []Role       `json:"roles"`
	Members     []FileMember `json:"members"`
}

type FileMember struct {
	Member
	Roles []string `json:"roles"`
}

func readGuildFile(p string) (*GuildFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var gf GuildFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, fmt.Errorf("parsing guild file %s: %w", p, err)
	}
	return &gf, nil
}

func (g *MemGuild) LoadFromFileJSON(p string) error {
	gf, err := readGuildFile(p)
	if err != nil {
		return err
	}
	if gf.BotPosition > 0 {
		g.BotPosition = gf.BotPosition
	}
	for _, r := range gf.Roles {
		g.InsertRole(r)
	}
	for _, fm := range gf.Members {
		g.InsertMember(fm.Member, fm.Roles...)
	}
	return nil
}
