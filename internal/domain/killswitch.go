package domain

import "time"

// KillSwitch — глобальный стоп всех исполнений.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
	Rationale string    `json:"rationale"`
}
