package profile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/azdo"
	"github.com/devdeck-tools/azdoconn/internal/crypto"
	"github.com/devdeck-tools/azdoconn/internal/errs"
	"github.com/devdeck-tools/azdoconn/internal/model"
	"github.com/devdeck-tools/azdoconn/internal/settings"
)

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
}

var _ azdo.Client = (*fakeClient)(nil)

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func fakeFactory(err error) azdo.Factory {
	return func(model.ConnectionConfig) azdo.Client {
		return &fakeClient{connectErr: err}
	}
}

func newStore(t *testing.T) (*Store, *settings.Memory) {
	t.Helper()
	mem := settings.NewMemory()
	s := New(mem, crypto.NewCipher(""), fakeFactory(nil), zap.NewNop())
	return s, mem
}

func validInput(name string) model.ProfileInput {
	return model.ProfileInput{
		Name:                name,
		OrganizationURL:     "https://dev.azure.com/x",
		ProjectName:         "P1",
		PersonalAccessToken: "tok1",
	}
}

func countDefaults(s *Store) int {
	n := 0
	for _, p := range s.GetAllProfiles() {
		if p.IsDefault {
			n++
		}
	}
	return n
}

func TestCreateProfile_FirstBecomesDefault(t *testing.T) {
	t.Parallel()
	s, mem := newStore(t)

	p, err := s.CreateProfile(validInput("Work"))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.True(t, p.IsDefault)
	assert.GreaterOrEqual(t, p.UpdatedAt, p.CreatedAt)
	assert.NotEqual(t, "tok1", p.PersonalAccessToken, "stored PAT must be ciphertext")
	assert.Equal(t, 1, mem.Saves)

	cfg, err := s.GetDecryptedConfig(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok1", cfg.PersonalAccessToken)
	assert.Equal(t, "https://dev.azure.com/x", cfg.OrganizationURL)
}

func TestCreateProfile_ValidationReportsEveryRule(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.CreateProfile(model.ProfileInput{})
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 4, "all violated rules at once, not just the first")

	_, err = s.CreateProfile(model.ProfileInput{
		Name:                "X",
		OrganizationURL:     "not a url",
		ProjectName:         "P",
		PersonalAccessToken: "t",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"organization URL is not a valid URL"}, ve.Errors)
}

func TestCreateProfile_ExplicitDefaultReassigns(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	a, err := s.CreateProfile(validInput("A"))
	require.NoError(t, err)
	assert.True(t, a.IsDefault)

	in := validInput("B")
	in.IsDefault = true
	b, err := s.CreateProfile(in)
	require.NoError(t, err)

	assert.True(t, b.IsDefault)
	assert.False(t, s.GetProfile(a.ID).IsDefault)
	assert.Equal(t, b.ID, s.GetDefaultProfile().ID)
	assert.Equal(t, 1, countDefaults(s))
}

func TestCreateProfile_DuplicateNamesPermitted(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.CreateProfile(validInput("Same"))
	require.NoError(t, err)
	_, err = s.CreateProfile(validInput("Same"))
	require.NoError(t, err)
	assert.Len(t, s.GetAllProfiles(), 2)
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	p, err := s.CreateProfile(validInput("A"))
	require.NoError(t, err)

	_, err = s.UpdateProfile("no-such-id", model.ProfileUpdate{})
	require.ErrorIs(t, err, errs.ErrNotFound)

	name := "Renamed"
	pat := "tok2-rotated-credential"
	got, err := s.UpdateProfile(p.ID, model.ProfileUpdate{Name: &name, PersonalAccessToken: &pat})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Greater(t, got.UpdatedAt, p.UpdatedAt)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)

	cfg, err := s.GetDecryptedConfig(p.ID)
	require.NoError(t, err)
	assert.Equal(t, pat, cfg.PersonalAccessToken)
}

func TestUpdateProfile_InvalidMergeRollsBack(t *testing.T) {
	t.Parallel()
	s, mem := newStore(t)

	p, err := s.CreateProfile(validInput("Keep"))
	require.NoError(t, err)
	savesBefore := mem.Saves

	empty := ""
	_, err = s.UpdateProfile(p.ID, model.ProfileUpdate{Name: &empty})
	require.True(t, errs.IsValidation(err))

	assert.Equal(t, "Keep", s.GetProfile(p.ID).Name, "nothing committed on validation failure")
	assert.Equal(t, savesBefore, mem.Saves, "nothing persisted either")
}

func TestUpdateProfile_DefaultReassignment(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	a, _ := s.CreateProfile(validInput("A"))
	b, _ := s.CreateProfile(validInput("B"))
	require.True(t, s.GetProfile(a.ID).IsDefault)

	yes := true
	_, err := s.UpdateProfile(b.ID, model.ProfileUpdate{IsDefault: &yes})
	require.NoError(t, err)

	assert.Equal(t, b.ID, s.GetDefaultProfile().ID)
	assert.False(t, s.GetProfile(a.ID).IsDefault)
	assert.Equal(t, 1, countDefaults(s))
}

func TestDeleteProfile(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	a, _ := s.CreateProfile(validInput("A"))

	ok, err := s.DeleteProfile("absent")
	require.NoError(t, err)
	assert.False(t, ok, "unknown id is not an error")

	_, err = s.DeleteProfile(a.ID)
	require.ErrorIs(t, err, errs.ErrLastProfile)

	b, _ := s.CreateProfile(validInput("B"))
	ok, err = s.DeleteProfile(a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	all := s.GetAllProfiles()
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)
	assert.True(t, all[0].IsDefault, "default reassigned to the survivor")
	assert.Equal(t, b.ID, s.GetDefaultProfile().ID)
}

func TestInitialize_CorruptStoreDegradesToEmpty(t *testing.T) {
	t.Parallel()
	mem := settings.NewMemory()
	mem.LoadErr = errors.New("disk corrupted")
	s := New(mem, crypto.NewCipher(""), fakeFactory(nil), zap.NewNop())

	assert.Empty(t, s.GetAllProfiles())

	// The store stays usable after degrading.
	mem.LoadErr = nil
	_, err := s.CreateProfile(validInput("Fresh"))
	require.NoError(t, err)
}

func TestInitialize_Idempotent(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	p, err := s.CreateProfile(validInput("A"))
	require.NoError(t, err)

	// A second Initialize must not reload over live state.
	s.Initialize()
	require.NotNil(t, s.GetProfile(p.ID))
}

func TestGetDecryptedConfig_NotFound(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.GetDecryptedConfig("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetters_NilOnAbsence(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	assert.Nil(t, s.GetProfile("nope"))
	assert.Nil(t, s.GetDefaultProfile())
	assert.Empty(t, s.GetAllProfiles())
}

func TestOnProfileChange_Ordering(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	var events []model.ProfileChangeEvent
	unsub := s.OnProfileChange(func(ev model.ProfileChangeEvent) {
		events = append(events, ev)
	})

	p, _ := s.CreateProfile(validInput("A"))
	_, _ = s.CreateProfile(validInput("B"))
	name := "A2"
	_, _ = s.UpdateProfile(p.ID, model.ProfileUpdate{Name: &name})
	_, _ = s.DeleteProfile(p.ID)

	require.Len(t, events, 4)
	assert.Equal(t, model.ChangeCreated, events[0].Type)
	assert.Equal(t, model.ChangeUpdated, events[2].Type)
	assert.Equal(t, "A2", events[2].Profile.Name)
	assert.Equal(t, model.ChangeDeleted, events[3].Type)
	assert.Nil(t, events[3].Profile)

	unsub()
	_, _ = s.CreateProfile(validInput("C"))
	assert.Len(t, events, 4, "no delivery after unsubscribe")
}

func TestOnProfileChange_PanickingListenerIsolated(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	delivered := 0
	s.OnProfileChange(func(model.ProfileChangeEvent) { panic("bad subscriber") })
	s.OnProfileChange(func(model.ProfileChangeEvent) { delivered++ })

	_, err := s.CreateProfile(validInput("A"))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered, "one bad subscriber must not block the rest")
}

func TestValidateProfile(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	res := s.ValidateProfile(validInput("ok"))
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)

	res = s.ValidateProfile(model.ProfileInput{OrganizationURL: "https://dev.azure.com/x"})
	assert.False(t, res.IsValid)
	assert.Len(t, res.Errors, 3)
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	p, _ := s.CreateProfile(validInput("A"))

	res := s.TestConnection(context.Background(), p.ID)
	assert.True(t, res.Success)
	assert.Contains(t, res.Details, "https://dev.azure.com/x")

	res = s.TestConnection(context.Background(), "missing")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	failing := New(settings.NewMemory(), crypto.NewCipher(""),
		fakeFactory(errors.New("401 unauthorized")), zap.NewNop())
	q, _ := failing.CreateProfile(validInput("B"))
	res = failing.TestConnection(context.Background(), q.ID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "401")
}
