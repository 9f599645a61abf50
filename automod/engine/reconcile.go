package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/warningstore"

	"go.opentelemetry.io/otel/attribute"
)

type ReconcileAction string

const (
	ActionNone     ReconcileAction = "none"
	ActionAssigned ReconcileAction = "assigned"
	ActionRemoved  ReconcileAction = "removed"
)

// Snapshot of a member's warning state, as computed during reconciliation.
type MemberStatus struct {
	SubjectID string                 `json:"subject_id"`
	Member    *guild.Member          `json:"member,omitempty"`
	Active    []warningstore.Warning `json:"active"`
	Flagged   bool                   `json:"flagged"`
	Action    ReconcileAction        `json:"action"`
}

var markerFallbackColor = guild.RGB{R: 120, G: 100, B: 100}

// Derives the marker role color from a member's display color: each channel halved, unless that comes out as a dark grey, which would be hard to tell apart from the default name color.
func MarkerColor(c guild.RGB) guild.RGB {
	h := guild.RGB{R: c.R / 2, G: c.G / 2, B: c.B / 2}
	spread := max(absInt(h.R-h.G), absInt(h.G-h.B), absInt(h.R-h.B))
	avg := (h.R + h.G + h.B) / 3
	if spread < 25 && avg < 100 {
		return markerFallbackColor
	}
	return h
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Brings the subject's marker role in line with their active warnings: assigns it if flagged and absent, removes it if present and not flagged, and otherwise does nothing.
//
// Repeated calls are safe because every mutation is create-if-absent or remove-if-present. Concurrent calls for one member are serialized, as is creation of each distinct marker role, so interleaved reconciles never create or assign a second marker.
func (eng *Engine) Reconcile(ctx context.Context, subject string) (ReconcileAction, error) {
	status, err := eng.CheckMember(ctx, subject)
	if err != nil {
		return ActionNone, err
	}
	return status.Action, nil
}

// Reconciles a single member (eg, on join), and returns their current warning status.
func (eng *Engine) CheckMember(ctx context.Context, subject string) (*MemberStatus, error) {
	ctx, span := tracer.Start(ctx, "CheckMember")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	active, err := eng.Store.GetActive(ctx, subject)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	status := &MemberStatus{
		SubjectID: subject,
		Active:    active,
		Flagged:   len(active) > 0,
		Action:    ActionNone,
	}

	member, err := eng.Directory.GetMember(ctx, subject)
	if err != nil {
		span.RecordError(err)
		return status, fmt.Errorf("fetching member for reconcile: %w", err)
	}
	status.Member = member

	action, err := eng.reconcileMember(ctx, member, status.Flagged)
	status.Action = action
	if err != nil {
		span.RecordError(err)
		return status, err
	}
	return status, nil
}

func (eng *Engine) reconcileMember(ctx context.Context, member *guild.Member, flagged bool) (ReconcileAction, error) {
	// the role snapshot below must not go stale before we act on it
	unlock := eng.lock("member/" + member.ID)
	defer unlock()

	held, err := eng.Markers.MemberRoles(ctx, member.ID)
	if err != nil {
		return ActionNone, fmt.Errorf("reading member roles: %w", err)
	}
	markers := []guild.Role{}
	for _, r := range held {
		if r.Name == eng.Config.MarkerRoleName {
			markers = append(markers, r)
		}
	}

	logger := eng.Logger.With("subject", member.ID)
	switch {
	case flagged && len(markers) == 0:
		if err := eng.assignMarker(ctx, member); err != nil {
			reconcileErrors.Inc()
			return ActionNone, err
		}
		reconcileActions.WithLabelValues(string(ActionAssigned)).Inc()
		logger.Info("assigned warning marker")
		return ActionAssigned, nil
	case !flagged && len(markers) > 0:
		for _, r := range markers {
			if err := eng.throttle(ctx); err != nil {
				return ActionNone, err
			}
			if err := eng.Markers.RemoveMemberRole(ctx, member.ID, r.ID); err != nil {
				reconcileErrors.Inc()
				return ActionNone, fmt.Errorf("removing marker role: %w", err)
			}
		}
		reconcileActions.WithLabelValues(string(ActionRemoved)).Inc()
		logger.Info("removed warning marker")
		return ActionRemoved, nil
	}
	return ActionNone, nil
}

// Finds (or creates) the marker role matching the member's color, makes sure it ranks above the member's other roles, and assigns it.
func (eng *Engine) assignMarker(ctx context.Context, member *guild.Member) error {
	color := MarkerColor(member.Color)

	marker, err := eng.findOrCreateMarker(ctx, color)
	if err != nil {
		return err
	}

	if marker.Position <= member.TopRolePosition {
		if err := eng.throttle(ctx); err != nil {
			return err
		}
		if err := eng.Markers.MoveRole(ctx, marker.ID, max(member.TopRolePosition, 1)); err != nil {
			return fmt.Errorf("positioning marker role: %w", err)
		}
	}

	if err := eng.throttle(ctx); err != nil {
		return err
	}
	if err := eng.Markers.AddMemberRole(ctx, member.ID, marker.ID); err != nil {
		return fmt.Errorf("assigning marker role: %w", err)
	}
	return nil
}

// Returns the marker role with the given color, creating it if absent. Lookup and creation are one critical section per color, so members sharing a color share a single role.
func (eng *Engine) findOrCreateMarker(ctx context.Context, color guild.RGB) (*guild.Role, error) {
	unlock := eng.lock("marker/" + eng.Config.MarkerRoleName + "/" + color.String())
	defer unlock()

	roles, err := eng.Markers.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	for i := range roles {
		if roles[i].Name == eng.Config.MarkerRoleName && roles[i].Color == color {
			return &roles[i], nil
		}
	}

	if err := eng.throttle(ctx); err != nil {
		return nil, err
	}
	marker, err := eng.Markers.CreateRole(ctx, eng.Config.MarkerRoleName, color)
	if err != nil {
		return nil, fmt.Errorf("creating marker role: %w", err)
	}
	eng.Logger.Info("created marker role", "role", marker.ID, "color", color.String())
	return marker, nil
}

func (eng *Engine) throttle(ctx context.Context) error {
	if eng.Limiter == nil {
		return nil
	}
	return eng.Limiter.Wait(ctx)
}

// true if an error from reconciliation came from the marker system refusing us, as opposed to something transient
func isPermissionError(err error) bool {
	return errors.Is(err, guild.ErrPermission)
}
