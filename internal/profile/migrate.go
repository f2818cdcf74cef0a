package profile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/errs"
	"github.com/devdeck-tools/azdoconn/internal/model"
)

// legacyPATKey is where older action settings kept the token, either as a
// plaintext string or as a credstore-encrypted entry.
const legacyPATKey = "personalAccessToken"

// FindMatchingProfile returns a profile whose organization URL matches
// case-insensitively and trailing-slash-insensitively, and whose project name
// matches exactly when one is given. Nil when nothing matches.
func (s *Store) FindMatchingProfile(orgURL, projectName string) *model.Profile {
	s.Initialize()

	want := normalizeURL(orgURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.coll.Profiles {
		if normalizeURL(p.OrganizationURL) != want {
			continue
		}
		if projectName != "" && p.ProjectName != projectName {
			continue
		}
		return p.Clone()
	}
	return nil
}

// MigrateFromLegacySettings reconciles a pre-profile action settings blob
// into the profile store. Field names from both settings generations are
// accepted. An existing matching profile is reused; otherwise a new
// "Migrated ..." profile is created, defaulted only if the store was empty.
func (s *Store) MigrateFromLegacySettings(legacy map[string]any) (*model.MigrationResult, error) {
	s.Initialize()

	orgURL := stringField(legacy, "organizationUrl", "orgUrl")
	projectName := stringField(legacy, "projectName", "project")
	pat := stringField(legacy, legacyPATKey, "pat")
	if pat == "" {
		// The token may have been stored as an encrypted settings entry.
		pat = s.secrets.ReadSecret(legacy, legacyPATKey)
	}

	if orgURL == "" {
		return nil, fmt.Errorf("%w: missing organization URL", errs.ErrInvalidLegacySettings)
	}
	if pat == "" {
		return nil, fmt.Errorf("%w: missing personal access token", errs.ErrInvalidLegacySettings)
	}

	if existing := s.FindMatchingProfile(orgURL, projectName); existing != nil {
		s.log.Info("legacy settings matched existing profile",
			zap.String("id", existing.ID), zap.String("name", existing.Name))
		return &model.MigrationResult{
			ProfileID:   existing.ID,
			WasCreated:  false,
			ProfileName: existing.Name,
		}, nil
	}

	s.mu.Lock()
	wasEmpty := len(s.coll.Profiles) == 0
	s.mu.Unlock()

	name := s.migrationName(projectName)
	created, err := s.CreateProfile(model.ProfileInput{
		Name:                name,
		OrganizationURL:     orgURL,
		ProjectName:         projectName,
		PersonalAccessToken: pat,
		IsDefault:           wasEmpty,
	})
	if err != nil {
		return nil, err
	}
	return &model.MigrationResult{
		ProfileID:   created.ID,
		WasCreated:  true,
		ProfileName: created.Name,
	}, nil
}

// migrationName produces "Migrated {project} {n}" with n counting up from 1.
func (s *Store) migrationName(projectName string) string {
	prefix := "Migrated"
	if projectName != "" {
		prefix = "Migrated " + projectName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 1
	for {
		candidate := fmt.Sprintf("%s %d", prefix, n)
		if !nameExistsLocked(s.coll, candidate) {
			return candidate
		}
		n++
	}
}

// DuplicateProfile clones an existing profile under a new name. The copy is
// never marked default.
func (s *Store) DuplicateProfile(id, newName string) (*model.Profile, error) {
	src := s.GetProfile(id)
	if src == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}
	pat, err := s.cipher.Decrypt(src.PersonalAccessToken)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}

	if newName == "" {
		newName = s.copyName(src.Name)
	}
	return s.CreateProfile(model.ProfileInput{
		Name:                newName,
		OrganizationURL:     src.OrganizationURL,
		ProjectName:         src.ProjectName,
		PersonalAccessToken: pat,
	})
}

// copyName appends "(Copy)" / "(Copy N)" until the name is unique.
func (s *Store) copyName(base string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := base + " (Copy)"
	if !nameExistsLocked(s.coll, candidate) {
		return candidate
	}
	for n := 2; ; n++ {
		candidate = fmt.Sprintf("%s (Copy %d)", base, n)
		if !nameExistsLocked(s.coll, candidate) {
			return candidate
		}
	}
}

func nameExistsLocked(coll *model.ProfileCollection, name string) bool {
	for _, p := range coll.Profiles {
		if p.Name == name {
			return true
		}
	}
	return false
}

// exportDocument is the wire shape of a profile export.
type exportDocument struct {
	Version    int             `json:"version"`
	ExportedAt string          `json:"exportedAt"`
	Profiles   []exportProfile `json:"profiles"`
}

type exportProfile struct {
	Name                string `json:"name"`
	OrganizationURL     string `json:"organizationUrl"`
	ProjectName         string `json:"projectName"`
	PersonalAccessToken string `json:"personalAccessToken,omitempty"`
}

// ExportProfiles serializes all profiles. PATs are omitted unless
// includeSecrets is set, in which case they are exported as plaintext so a
// re-import elsewhere re-encrypts under that machine's key.
func (s *Store) ExportProfiles(includeSecrets bool) (string, error) {
	doc := exportDocument{
		Version:    model.CollectionVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range s.GetAllProfiles() {
		entry := exportProfile{
			Name:            p.Name,
			OrganizationURL: p.OrganizationURL,
			ProjectName:     p.ProjectName,
		}
		if includeSecrets {
			pat, err := s.cipher.Decrypt(p.PersonalAccessToken)
			if err != nil {
				return "", fmt.Errorf("export profile %s: %w", p.ID, err)
			}
			entry.PersonalAccessToken = pat
		}
		doc.Profiles = append(doc.Profiles, entry)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ImportProfiles reconciles an exported document by profile name,
// best-effort: a bad record lands in the error list without aborting the
// batch. Name collisions are skipped unless overwrite is set, in which case
// the existing profile is updated in place.
func (s *Store) ImportProfiles(jsonDoc string, overwrite bool) (*model.ImportResult, error) {
	s.Initialize()

	var doc exportDocument
	if err := json.Unmarshal([]byte(jsonDoc), &doc); err != nil {
		// Tolerate a bare array of profiles.
		if arrErr := json.Unmarshal([]byte(jsonDoc), &doc.Profiles); arrErr != nil {
			return nil, fmt.Errorf("parse import document: %w", err)
		}
	}

	result := &model.ImportResult{Errors: []string{}}
	for i, entry := range doc.Profiles {
		if strings.TrimSpace(entry.Name) == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: missing name", i))
			continue
		}

		existing := s.findByName(entry.Name)
		if existing != nil {
			if !overwrite {
				result.Skipped++
				continue
			}
			upd := model.ProfileUpdate{
				OrganizationURL: &entry.OrganizationURL,
				ProjectName:     &entry.ProjectName,
			}
			if entry.PersonalAccessToken != "" {
				upd.PersonalAccessToken = &entry.PersonalAccessToken
			}
			if _, err := s.UpdateProfile(existing.ID, upd); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("entry %d (%s): %v", i, entry.Name, err))
				continue
			}
			result.Imported++
			continue
		}

		if _, err := s.CreateProfile(model.ProfileInput{
			Name:                entry.Name,
			OrganizationURL:     entry.OrganizationURL,
			ProjectName:         entry.ProjectName,
			PersonalAccessToken: entry.PersonalAccessToken,
		}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d (%s): %v", i, entry.Name, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}

func (s *Store) findByName(name string) *model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.coll.Profiles {
		if p.Name == name {
			return p.Clone()
		}
	}
	return nil
}

// stringField returns the first non-empty string among the given keys.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
