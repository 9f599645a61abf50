package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// An automated punishment of a repeat offender.
type Punishment struct {
	SubjectID      string        `json:"subject_id"`
	SubjectName    string        `json:"subject_name"`
	ActiveWarnings int           `json:"active_warnings"`
	Lifetime       time.Duration `json:"lifetime"`
	Duration       time.Duration `json:"duration"`
	// false if the restriction was skipped (eg, by the daily quota)
	Applied bool      `json:"applied"`
	At      time.Time `json:"at"`
}

// Human-readable repeat-offense notice, eg "hammy has been warned 3 times in the last 24 hours".
func (p *Punishment) Text() string {
	msg := fmt.Sprintf("%s has been warned %d times in the last %d hours", p.SubjectName, p.ActiveWarnings, int(p.Lifetime.Hours()))
	if p.Applied {
		msg += fmt.Sprintf(", and is restricted for %s", p.Duration)
	}
	return msg
}

// Interface for a type that can handle sending notifications
type Notifier interface {
	SendPunishment(ctx context.Context, p *Punishment) error
}

// Writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) SendPunishment(ctx context.Context, p *Punishment) error {
	n.Logger.Info(p.Text(), "subject", p.SubjectID, "applied", p.Applied, "duration", p.Duration)
	return nil
}
