package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var redisGuildPrefix string = "guild/"

// Guild state kept in redis, so that a separate platform bridge process can mirror it to and from the chat platform.
//
// Layout (under Prefix):
//   - "roles": hash of role ID to JSON Role
//   - "role-seq": counter for new role IDs
//   - "members": hash of member ID to JSON Member (base color and names)
//   - "member-roles/<id>": set of role IDs held by the member
type RedisGuild struct {
	Client      *redis.Client
	Prefix      string
	BotPosition int
}

var _ Guild = (*RedisGuild)(nil)

func NewRedisGuild(redisURL string) (*RedisGuild, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisGuild{
		Client: rdb,
		Prefix: redisGuildPrefix,
	}, nil
}

func (g *RedisGuild) key(parts ...string) string {
	k := g.Prefix
	for i, p := range parts {
		if i > 0 {
			k += "/"
		}
		k += p
	}
	return k
}

func (g *RedisGuild) InsertRole(ctx context.Context, r Role) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return g.Client.HSet(ctx, g.key("roles"), r.ID, string(b)).Err()
}

func (g *RedisGuild) InsertMember(ctx context.Context, m Member, roleIDs ...string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	multi := g.Client.TxPipeline()
	multi.HSet(ctx, g.key("members"), m.ID, string(b))
	rk := g.key("member-roles", m.ID)
	multi.Del(ctx, rk)
	for _, id := range roleIDs {
		multi.SAdd(ctx, rk, id)
	}
	_, err = multi.Exec(ctx)
	return err
}

func (g *RedisGuild) getRole(ctx context.Context, roleID string) (*Role, error) {
	raw, err := g.Client.HGet(ctx, g.key("roles"), roleID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	} else if err != nil {
		return nil, err
	}
	var r Role
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *RedisGuild) getBaseMember(ctx context.Context, id string) (*Member, error) {
	raw, err := g.Client.HGet(ctx, g.key("members"), id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	} else if err != nil {
		return nil, err
	}
	var m Member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *RedisGuild) heldRoles(ctx context.Context, memberID string) ([]Role, error) {
	ids, err := g.Client.SMembers(ctx, g.key("member-roles", memberID)).Result()
	if err != nil {
		return nil, err
	}
	out := []Role{}
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := g.Client.HMGet(ctx, g.key("roles"), ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// role deleted out from under the member
			continue
		}
		var r Role
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position > out[j].Position })
	return out, nil
}

func (g *RedisGuild) summarize(ctx context.Context, m *Member) (*Member, error) {
	roles, err := g.heldRoles(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Color, m.TopRolePosition = summarizeRoles(m.Color, roles)
	return m, nil
}

func (g *RedisGuild) GetMember(ctx context.Context, id string) (*Member, error) {
	m, err := g.getBaseMember(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.summarize(ctx, m)
}

func (g *RedisGuild) ListMembers(ctx context.Context) ([]Member, error) {
	all, err := g.Client.HGetAll(ctx, g.key("members")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(all))
	for _, raw := range all {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, err
		}
		sm, err := g.summarize(ctx, &m)
		if err != nil {
			return nil, err
		}
		out = append(out, *sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *RedisGuild) ResolveName(ctx context.Context, name string) (*Member, error) {
	roster, err := g.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	m := matchMember(name, roster)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMemberNotFound, name)
	}
	return m, nil
}

func (g *RedisGuild) ListRoles(ctx context.Context) ([]Role, error) {
	all, err := g.Client.HGetAll(ctx, g.key("roles")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(all))
	for _, raw := range all {
		var r Role
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *RedisGuild) CreateRole(ctx context.Context, name string, color RGB) (*Role, error) {
	seq, err := g.Client.Incr(ctx, g.key("role-seq")).Result()
	if err != nil {
		return nil, err
	}
	r := Role{
		ID:       "r" + strconv.FormatInt(seq, 10),
		Name:     name,
		Color:    color,
		Position: 1,
	}
	if err := g.InsertRole(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *RedisGuild) MoveRole(ctx context.Context, roleID string, position int) error {
	r, err := g.getRole(ctx, roleID)
	if err != nil {
		return err
	}
	if g.BotPosition > 0 && (position >= g.BotPosition || r.Position >= g.BotPosition) {
		return fmt.Errorf("%w: can not move role %s to %d", ErrPermission, roleID, position)
	}
	r.Position = position
	return g.InsertRole(ctx, *r)
}

func (g *RedisGuild) MemberRoles(ctx context.Context, memberID string) ([]Role, error) {
	if _, err := g.getBaseMember(ctx, memberID); err != nil {
		return nil, err
	}
	return g.heldRoles(ctx, memberID)
}

func (g *RedisGuild) checkManageMember(ctx context.Context, memberID string, r *Role) error {
	if g.BotPosition <= 0 {
		return nil
	}
	held, err := g.heldRoles(ctx, memberID)
	if err != nil {
		return err
	}
	_, top := summarizeRoles(RGB{}, held)
	return checkManage(g.BotPosition, *r, memberID, top)
}

func (g *RedisGuild) AddMemberRole(ctx context.Context, memberID, roleID string) error {
	if _, err := g.getBaseMember(ctx, memberID); err != nil {
		return err
	}
	r, err := g.getRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := g.checkManageMember(ctx, memberID, r); err != nil {
		return err
	}
	// SADD is a no-op for existing members
	return g.Client.SAdd(ctx, g.key("member-roles", memberID), roleID).Err()
}

func (g *RedisGuild) RemoveMemberRole(ctx context.Context, memberID, roleID string) error {
	if _, err := g.getBaseMember(ctx, memberID); err != nil {
		return err
	}
	held, err := g.Client.SIsMember(ctx, g.key("member-roles", memberID), roleID).Result()
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	r, err := g.getRole(ctx, roleID)
	if err == nil {
		if err := g.checkManageMember(ctx, memberID, r); err != nil {
			return err
		}
	}
	return g.Client.SRem(ctx, g.key("member-roles", memberID), roleID).Err()
}

// Seeds redis from a JSON guild file (same format as MemGuild.LoadFromFileJSON).
func (g *RedisGuild) LoadFromFileJSON(ctx context.Context, p string) error {
	gf, err := readGuildFile(p)
	if err != nil {
		return err
	}
	if gf.BotPosition > 0 {
		g.BotPosition = gf.BotPosition
	}
	for _, r := range gf.Roles {
		if err := g.InsertRole(ctx, r); err != nil {
			return err
		}
	}
	for _, fm := range gf.Members {
		if err := g.InsertMember(ctx, fm.Member, fm.Roles...); err != nil {
			return err
		}
	}
	return nil
}
