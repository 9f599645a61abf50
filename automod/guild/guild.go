// Interfaces and implementations for the chat community ("guild") that warnings apply to.
//
// The Directory resolves members by name and lists the roster. Markers manipulates the roles used to make warning state visible. Neither is owned by the warnings engine: they are external systems, and implementations here are either in-process (for tests and single-node deployments) or backed by redis (shared with a platform bridge process).
package guild

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMemberNotFound = errors.New("guild member not found")
	ErrRoleNotFound   = errors.New("guild role not found")
	// returned when the bot lacks rank or permission to manage a role or member
	ErrPermission = errors.New("insufficient permission in guild")
)

// 8-bit RGB color
type RGB struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

func (c RGB) IsZero() bool {
	return c.R == 0 && c.G == 0 && c.B == 0
}

func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    RGB    `json:"color"`
	Position int    `json:"position"`
}

type Member struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	Nick          string `json:"nick,omitempty"`
	// color the member is currently displayed with (highest colored role). zero means "default"
	Color RGB `json:"color"`
	// position of the member's highest role; zero if the member holds no roles
	TopRolePosition int `json:"top_role_position"`
}

func (m *Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.Username
}

// "name#1234" style tag, or plain username if there is no discriminator
func (m *Member) Tag() string {
	if m.Discriminator == "" || m.Discriminator == "0" {
		return m.Username
	}
	return m.Username + "#" + m.Discriminator
}

type Directory interface {
	// Resolves a free-text member reference (mention, ID, tag, username, or nickname) to a member. Returns ErrMemberNotFound if there is no match.
	ResolveName(ctx context.Context, name string) (*Member, error)
	GetMember(ctx context.Context, id string) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
}

type Markers interface {
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name string, color RGB) (*Role, error)
	MoveRole(ctx context.Context, roleID string, position int) error
	MemberRoles(ctx context.Context, memberID string) ([]Role, error)
	// adding a role the member already holds is a no-op success
	AddMemberRole(ctx context.Context, memberID, roleID string) error
	// removing a role the member does not hold is a no-op success
	RemoveMemberRole(ctx context.Context, memberID, roleID string) error
}

type Guild interface {
	Directory
	Markers
}

// Computes the display color and top role position of a member from the roles they hold. The base color is used when no held role has a color.
func summarizeRoles(base RGB, roles []Role) (RGB, int) {
	color := base
	colorPos := -1
	top := 0
	for _, r := range roles {
		if r.Position > top {
			top = r.Position
		}
		if !r.Color.IsZero() && r.Position > colorPos {
			color = r.Color
			colorPos = r.Position
		}
	}
	return color, top
}

// A bot can only manage roles ranked below its own top role, and only on members whose top role is also below it. A botPosition of zero disables the check.
func checkManage(botPosition int, r Role, memberID string, memberTop int) error {
	if botPosition <= 0 {
		return nil
	}
	if r.Position >= botPosition || memberTop >= botPosition {
		return fmt.Errorf("%w: can not manage role %s on member %s", ErrPermission, r.ID, memberID)
	}
	return nil
}
