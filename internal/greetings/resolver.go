// Package greetings decides which greeting callers hear and manages the custom upload.
package greetings

import "github.com/aura-guestbook/backend/internal/models"

// Source says which tier a greeting came from.
type Source string

const (
	SourceCustom    Source = "custom"
	SourceGenerated Source = "generated"
	SourceNone      Source = "none"
)

// Resolution is the greeting to play. Path is nil for SourceNone.
type Resolution struct {
	Source Source  `json:"source"`
	Path   *string `json:"path"`
}

// Resolve picks the custom upload, then the generated greeting, then none.
func Resolve(e *models.Event) Resolution {
	if e == nil {
		return Resolution{Source: SourceNone}
	}
	if p := nonEmpty(e.CustomGreetingPath); p != nil {
		return Resolution{Source: SourceCustom, Path: p}
	}
	if p := nonEmpty(e.GeneratedGreetingPath); p != nil {
		return Resolution{Source: SourceGenerated, Path: p}
	}
	return Resolution{Source: SourceNone}
}

func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	v := *p
	return &v
}
