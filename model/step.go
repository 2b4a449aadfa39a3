package model

import "time"

// Step is a workflow node definition. It is read-only while an action runs.
type Step struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Roles     []string  `json:"roles,omitempty" yaml:"roles"`
	Actions   []string  `json:"actions,omitempty" yaml:"actions"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
	CreatedBy string    `json:"createdBy,omitempty" yaml:"-"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"-"`
}

// User is the actor applying an action.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}
