// Package ids generates opaque identifiers and the deterministic names
// derived from a project id (database, app, repository).
package ids

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// idAlphabet matches the front end's nano-id alphabet so identifiers look
// uniform across the system.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const idLength = 12

// New returns a fresh opaque id.
func New() string {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		// gonanoid only fails when the platform RNG is broken; there is no
		// meaningful recovery at a call site creating a row id.
		panic(fmt.Sprintf("ids: generate nano-id: %v", err))
	}
	return id
}

// DatabaseName returns the deterministic per-project database name:
// "turbobackend_proj_" + projectID lowercased with hyphens replaced by
// underscores.
func DatabaseName(projectID string) string {
	slug := strings.ReplaceAll(strings.ToLower(projectID), "-", "_")
	return "turbobackend_proj_" + slug
}

// AppName returns the deterministic deployment platform app name.
func AppName(projectID string) string {
	return "turbobackend-" + strings.ToLower(projectID)
}

// AppURL returns the public URL the deployment platform serves the app at.
func AppURL(projectID string) string {
	return fmt.Sprintf("https://%s.fly.dev", AppName(projectID))
}

// RepoName returns the deterministic source repository name.
func RepoName(projectID string) string {
	return "turbobackend-" + projectID
}
