// Package model defines domain entities shared by the store, pool and cipher layers.
package model

// CollectionVersion is the current schema version of the persisted collection.
const CollectionVersion = 1

// Profile is a named, persisted Azure DevOps connection configuration.
// PersonalAccessToken always holds ciphertext; plaintext only exists inside
// a decrypt call or a ConnectionConfig.
type Profile struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	OrganizationURL     string `json:"organizationUrl"`
	ProjectName         string `json:"projectName"`
	PersonalAccessToken string `json:"personalAccessToken"`
	CreatedAt           int64  `json:"createdAt"` // unix millis
	UpdatedAt           int64  `json:"updatedAt"` // unix millis, >= CreatedAt
	IsDefault           bool   `json:"isDefault,omitempty"`
}

// Clone returns a copy so callers can't mutate store-owned state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// ProfileCollection is the durable representation of all profiles. It is
// reloaded whole at startup and rewritten whole on every mutation.
type ProfileCollection struct {
	Profiles         map[string]*Profile `json:"profiles"`
	DefaultProfileID string              `json:"defaultProfileId,omitempty"`
	Version          int                 `json:"version"`
}

// NewProfileCollection returns an empty collection at the current schema version.
func NewProfileCollection() *ProfileCollection {
	return &ProfileCollection{
		Profiles: make(map[string]*Profile),
		Version:  CollectionVersion,
	}
}

// ConnectionConfig carries the plaintext connection parameters handed to a client.
type ConnectionConfig struct {
	OrganizationURL     string
	ProjectName         string
	PersonalAccessToken string
}

// ProfileInput is the caller-supplied data for creating a profile.
type ProfileInput struct {
	Name                string
	OrganizationURL     string
	ProjectName         string
	PersonalAccessToken string
	IsDefault           bool
}

// ProfileUpdate is a partial update; nil fields keep the existing value.
type ProfileUpdate struct {
	Name                *string
	OrganizationURL     *string
	ProjectName         *string
	PersonalAccessToken *string
	IsDefault           *bool
}

// ChangeType tags a profile change event.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ProfileChangeEvent is broadcast synchronously after a mutation has been
// durably saved. Profile is nil for deletions.
type ProfileChangeEvent struct {
	Type      ChangeType
	ProfileID string
	Profile   *Profile
}

// ValidationResult reports every violated rule so UI layers can render all of
// them at once.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// TestResult is the outcome of a live connection test. Never carries an error
// value; failures are rendered into Error.
type TestResult struct {
	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MigrationResult reports how a legacy settings blob was reconciled.
type MigrationResult struct {
	ProfileID   string `json:"profileId"`
	WasCreated  bool   `json:"wasCreated"`
	ProfileName string `json:"profileName"`
}

// ImportResult summarizes a best-effort bulk import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// PoolStats is a read-only snapshot of the connection pool.
type PoolStats struct {
	Total  int `json:"total"`
	Active int `json:"active"` // refcount > 0
	Idle   int `json:"idle"`   // refcount == 0
}
