// Package profile implements the authoritative store of named Azure DevOps
// connection profiles: CRUD with validation, default-profile handling, legacy
// migration, import/export and a change-notification bus.
package profile

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/azdo"
	"github.com/devdeck-tools/azdoconn/internal/credstore"
	"github.com/devdeck-tools/azdoconn/internal/crypto"
	"github.com/devdeck-tools/azdoconn/internal/errs"
	"github.com/devdeck-tools/azdoconn/internal/model"
	"github.com/devdeck-tools/azdoconn/internal/settings"
)

// Store owns the profile collection. One instance is shared process-wide via
// the composition root; all mutations go through its methods, persist the
// whole collection, and then broadcast a change event.
type Store struct {
	store   settings.Store
	cipher  *crypto.Cipher
	secrets *credstore.Helper
	factory azdo.Factory
	log     *zap.Logger

	initOnce sync.Once

	mu   sync.Mutex
	coll *model.ProfileCollection

	listenerMu sync.Mutex
	listeners  map[int]func(model.ProfileChangeEvent)
	nextSub    int
}

// New constructs a Store. The factory is only used by TestConnection.
func New(store settings.Store, cipher *crypto.Cipher, factory azdo.Factory, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		store:     store,
		cipher:    cipher,
		secrets:   credstore.New(cipher, log),
		factory:   factory,
		log:       log,
		coll:      model.NewProfileCollection(),
		listeners: make(map[int]func(model.ProfileChangeEvent)),
	}
}

// Initialize loads the collection from durable settings. Idempotent:
// concurrent first callers share a single load. A cold or corrupt store
// degrades to an empty collection instead of failing the host.
func (s *Store) Initialize() {
	s.initOnce.Do(func() {
		coll, err := s.store.Load()
		if err != nil {
			s.log.Warn("failed to load profiles, starting empty", zap.Error(err))
			coll = model.NewProfileCollection()
		}
		reconcileDefault(coll)
		s.mu.Lock()
		s.coll = coll
		s.mu.Unlock()
		s.log.Info("profile store initialized", zap.Int("profiles", len(coll.Profiles)))
	})
}

// reconcileDefault repairs the default-profile invariant after a load:
// exactly one default when non-empty, none when empty.
func reconcileDefault(coll *model.ProfileCollection) {
	if len(coll.Profiles) == 0 {
		coll.DefaultProfileID = ""
		return
	}
	if p, ok := coll.Profiles[coll.DefaultProfileID]; ok {
		for id, q := range coll.Profiles {
			q.IsDefault = id == coll.DefaultProfileID
		}
		p.IsDefault = true
		return
	}
	// Stale or missing default id: promote an arbitrary profile.
	for id, p := range coll.Profiles {
		coll.DefaultProfileID = id
		p.IsDefault = true
		break
	}
	for id, p := range coll.Profiles {
		p.IsDefault = id == coll.DefaultProfileID
	}
}

// CreateProfile validates, encrypts the PAT, assigns id and timestamps, and
// persists. The first profile ever (or an explicit request) becomes default.
// Duplicate names are allowed.
func (s *Store) CreateProfile(input model.ProfileInput) (*model.Profile, error) {
	s.Initialize()

	if violations := validateInput(input.Name, input.OrganizationURL, input.ProjectName, input.PersonalAccessToken); len(violations) > 0 {
		return nil, errs.NewValidationError(violations)
	}

	encPAT, err := s.cipher.Encrypt(input.PersonalAccessToken)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	next := cloneCollection(s.coll)
	p := &model.Profile{
		ID:                  id.String(),
		Name:                input.Name,
		OrganizationURL:     input.OrganizationURL,
		ProjectName:         input.ProjectName,
		PersonalAccessToken: encPAT,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if input.IsDefault || len(next.Profiles) == 0 {
		for _, q := range next.Profiles {
			q.IsDefault = false
		}
		p.IsDefault = true
		next.DefaultProfileID = p.ID
	}
	next.Profiles[p.ID] = p

	if err := s.store.Save(next); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist profile: %w", err)
	}
	s.coll = next
	out := p.Clone()
	s.mu.Unlock()

	s.emit(model.ProfileChangeEvent{Type: model.ChangeCreated, ProfileID: out.ID, Profile: out.Clone()})
	s.log.Info("profile created", zap.String("id", out.ID), zap.String("name", out.Name))
	return out, nil
}

// UpdateProfile merges the partial update over the existing profile,
// re-validates the merged result, and persists. Nothing is committed on a
// validation or persistence failure.
func (s *Store) UpdateProfile(id string, upd model.ProfileUpdate) (*model.Profile, error) {
	s.Initialize()

	// scrypt is deliberately slow; encrypt outside the lock.
	var encPAT string
	if upd.PersonalAccessToken != nil && *upd.PersonalAccessToken != "" {
		var err error
		encPAT, err = s.cipher.Encrypt(*upd.PersonalAccessToken)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if _, ok := s.coll.Profiles[id]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}

	next := cloneCollection(s.coll)
	p := next.Profiles[id]
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.OrganizationURL != nil {
		p.OrganizationURL = *upd.OrganizationURL
	}
	if upd.ProjectName != nil {
		p.ProjectName = *upd.ProjectName
	}
	if upd.PersonalAccessToken != nil {
		if *upd.PersonalAccessToken == "" {
			p.PersonalAccessToken = ""
		} else {
			p.PersonalAccessToken = encPAT
		}
	}

	if violations := validateMerged(p); len(violations) > 0 {
		s.mu.Unlock()
		return nil, errs.NewValidationError(violations)
	}

	if upd.IsDefault != nil && *upd.IsDefault && next.DefaultProfileID != id {
		for _, q := range next.Profiles {
			q.IsDefault = false
		}
		p.IsDefault = true
		next.DefaultProfileID = id
	}

	if now := time.Now().UnixMilli(); now > p.UpdatedAt {
		p.UpdatedAt = now
	} else {
		p.UpdatedAt++
	}

	if err := s.store.Save(next); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist profile: %w", err)
	}
	s.coll = next
	out := p.Clone()
	s.mu.Unlock()

	s.emit(model.ProfileChangeEvent{Type: model.ChangeUpdated, ProfileID: id, Profile: out.Clone()})
	s.log.Info("profile updated", zap.String("id", id))
	return out, nil
}

// DeleteProfile removes a profile. An unknown id is not an error (returns
// false); deleting the last profile is refused; deleting the default
// reassigns default status to an arbitrary survivor.
func (s *Store) DeleteProfile(id string) (bool, error) {
	s.Initialize()

	s.mu.Lock()
	if _, ok := s.coll.Profiles[id]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	if len(s.coll.Profiles) == 1 {
		s.mu.Unlock()
		return false, errs.ErrLastProfile
	}

	next := cloneCollection(s.coll)
	wasDefault := next.DefaultProfileID == id
	delete(next.Profiles, id)
	if wasDefault {
		next.DefaultProfileID = ""
		reconcileDefault(next)
	}

	if err := s.store.Save(next); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist profile: %w", err)
	}
	s.coll = next
	s.mu.Unlock()

	s.emit(model.ProfileChangeEvent{Type: model.ChangeDeleted, ProfileID: id})
	s.log.Info("profile deleted", zap.String("id", id))
	return true, nil
}

// GetProfile returns a copy of the profile, or nil when absent.
func (s *Store) GetProfile(id string) *model.Profile {
	s.Initialize()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll.Profiles[id].Clone()
}

// GetAllProfiles returns copies of all profiles ordered by creation time.
func (s *Store) GetAllProfiles() []*model.Profile {
	s.Initialize()
	s.mu.Lock()
	out := make([]*model.Profile, 0, len(s.coll.Profiles))
	for _, p := range s.coll.Profiles {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetDefaultProfile returns a copy of the default profile, or nil when the
// collection is empty.
func (s *Store) GetDefaultProfile() *model.Profile {
	s.Initialize()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll.Profiles[s.coll.DefaultProfileID].Clone()
}

// GetDecryptedConfig resolves a profile into plaintext connection parameters.
// This is the only place plaintext PAT crosses the store boundary.
func (s *Store) GetDecryptedConfig(id string) (*model.ConnectionConfig, error) {
	s.Initialize()
	s.mu.Lock()
	p := s.coll.Profiles[id].Clone()
	s.mu.Unlock()

	if p == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}
	pat, err := s.cipher.Decrypt(p.PersonalAccessToken)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	return &model.ConnectionConfig{
		OrganizationURL:     p.OrganizationURL,
		ProjectName:         p.ProjectName,
		PersonalAccessToken: pat,
	}, nil
}

// ValidateProfile checks candidate profile data without persisting anything,
// reporting every violated rule.
func (s *Store) ValidateProfile(input model.ProfileInput) model.ValidationResult {
	violations := validateInput(input.Name, input.OrganizationURL, input.ProjectName, input.PersonalAccessToken)
	return model.ValidationResult{IsValid: len(violations) == 0, Errors: violations}
}

// TestConnection attempts a live connect for the profile. Never returns an
// error; every failure path is rendered into the result.
func (s *Store) TestConnection(ctx context.Context, id string) model.TestResult {
	cfg, err := s.GetDecryptedConfig(id)
	if err != nil {
		return model.TestResult{Success: false, Error: err.Error()}
	}
	client := s.factory(*cfg)
	if err := client.Connect(ctx); err != nil {
		return model.TestResult{Success: false, Error: err.Error()}
	}
	defer func() { _ = client.Disconnect(ctx) }()
	return model.TestResult{
		Success: true,
		Details: fmt.Sprintf("connected to %s (project %s)", cfg.OrganizationURL, cfg.ProjectName),
	}
}

// OnProfileChange subscribes to mutation events and returns an unsubscribe
// function. A panicking listener is logged and never blocks delivery to the
// rest.
func (s *Store) OnProfileChange(fn func(model.ProfileChangeEvent)) func() {
	s.listenerMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// emit dispatches synchronously to a snapshot of the current listeners,
// after the mutation has been durably saved.
func (s *Store) emit(ev model.ProfileChangeEvent) {
	s.listenerMu.Lock()
	fns := make([]func(model.ProfileChangeEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("profile change listener panicked",
						zap.String("event", string(ev.Type)), zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

// validateInput collects every violated rule for caller-supplied profile data.
func validateInput(name, orgURL, project, pat string) []string {
	var v []string
	if strings.TrimSpace(name) == "" {
		v = append(v, "name is required")
	}
	if strings.TrimSpace(orgURL) == "" {
		v = append(v, "organization URL is required")
	} else if u, err := url.Parse(orgURL); err != nil || u.Scheme == "" || u.Host == "" {
		v = append(v, "organization URL is not a valid URL")
	}
	if strings.TrimSpace(project) == "" {
		v = append(v, "project name is required")
	}
	if pat == "" {
		v = append(v, "personal access token is required")
	}
	return v
}

// validateMerged re-checks a merged profile before an update commits. The PAT
// here is ciphertext, so only presence is checked.
func validateMerged(p *model.Profile) []string {
	var v []string
	if strings.TrimSpace(p.Name) == "" {
		v = append(v, "name is required")
	}
	if strings.TrimSpace(p.OrganizationURL) == "" {
		v = append(v, "organization URL is required")
	} else if u, err := url.Parse(p.OrganizationURL); err != nil || u.Scheme == "" || u.Host == "" {
		v = append(v, "organization URL is not a valid URL")
	}
	if strings.TrimSpace(p.ProjectName) == "" {
		v = append(v, "project name is required")
	}
	if p.PersonalAccessToken == "" {
		v = append(v, "personal access token is required")
	}
	return v
}

func cloneCollection(c *model.ProfileCollection) *model.ProfileCollection {
	out := model.NewProfileCollection()
	out.DefaultProfileID = c.DefaultProfileID
	out.Version = c.Version
	for id, p := range c.Profiles {
		out.Profiles[id] = p.Clone()
	}
	return out
}

// normalizeURL lowercases and strips trailing slashes for org URL matching.
func normalizeURL(raw string) string {
	return strings.ToLower(azdo.NormalizeOrgURL(raw))
}
