package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Settings is the folded per-user audit settings state.
type Settings struct {
	UserID        uuid.UUID
	RetentionDays int
	AlertsEnabled bool
	MaxLagSeconds float64
}

// defaultSettings applies before any SettingsUpdated event.
func defaultSettings(userID uuid.UUID) Settings {
	return Settings{UserID: userID, RetentionDays: 90, AlertsEnabled: true}
}

// ApplySettings folds one event into a settings state. Shared between the
// command below and any projection that summarizes settings streams.
func ApplySettings(s Settings, e model.StoredEvent) Settings {
	d, ok := e.Data.(*model.SettingsUpdatedData)
	if !ok || d.UserID != s.UserID {
		return s
	}
	if d.RetentionDays > 0 {
		s.RetentionDays = d.RetentionDays
	}
	if d.AlertsEnabled != nil {
		s.AlertsEnabled = *d.AlertsEnabled
	}
	if d.MaxLagSeconds > 0 {
		s.MaxLagSeconds = d.MaxLagSeconds
	}
	return s
}

// UpdateSettings records a change to a user's audit settings. An update
// that changes nothing emits no event.
type UpdateSettings struct {
	UserID        uuid.UUID
	Timestamp     time.Time
	RetentionDays int     // 0 = leave unchanged
	AlertsEnabled *bool   // nil = leave unchanged
	MaxLagSeconds float64 // 0 = leave unchanged
}

func (c *UpdateSettings) Name() string { return "update-settings" }

func (c *UpdateSettings) stream() string {
	return model.StreamID(model.StreamUserSettings, c.UserID)
}

func (c *UpdateSettings) StreamIDs() []string { return []string{c.stream()} }

func (c *UpdateSettings) NewState() any { return defaultSettings(c.UserID) }

func (c *UpdateSettings) Apply(state any, e model.StoredEvent) any {
	return ApplySettings(state.(Settings), e)
}

func (c *UpdateSettings) Handle(state any) ([]ProposedEvent, error) {
	s := state.(Settings)
	if c.RetentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative")
	}

	changed := (c.RetentionDays > 0 && c.RetentionDays != s.RetentionDays) ||
		(c.AlertsEnabled != nil && *c.AlertsEnabled != s.AlertsEnabled) ||
		(c.MaxLagSeconds > 0 && c.MaxLagSeconds != s.MaxLagSeconds)
	if !changed {
		return nil, nil
	}

	return []ProposedEvent{{
		StreamID:   c.stream(),
		OccurredAt: c.Timestamp,
		Data: &model.SettingsUpdatedData{
			UserID:        c.UserID,
			RetentionDays: c.RetentionDays,
			AlertsEnabled: c.AlertsEnabled,
			MaxLagSeconds: c.MaxLagSeconds,
		},
	}}, nil
}
