package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/internal/store"
)

// fakeExchanger issues sequential tokens and counts calls.
type fakeExchanger struct {
	now      func() time.Time
	delay    time.Duration
	refreshN atomic.Int32
	err      error

	mu       sync.Mutex
	lastCode string
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://auth.example/authorize?state=" + state
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	f.mu.Lock()
	f.lastCode = code
	f.mu.Unlock()
	now := f.now()
	return &models.Credential{
		AccessToken:     "access-0",
		RefreshToken:    "refresh-0",
		TokenType:       "Bearer",
		IssuedAt:        now,
		ExpiresIn:       30 * time.Minute,
		RefreshIssuedAt: now,
	}, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	n := f.refreshN.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		IssuedAt:     f.now(),
		ExpiresIn:    30 * time.Minute,
	}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, issuedAgo, anchorAgo time.Duration) (*Manager, *fakeExchanger, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)}
	ex := &fakeExchanger{now: clock.Now}
	mem := store.NewMemoryStore()

	require.NoError(t, mem.SaveCredential(context.Background(), &models.Credential{
		AccessToken:     "access-0",
		RefreshToken:    "refresh-0",
		IssuedAt:        clock.Now().Add(-issuedAgo),
		ExpiresIn:       30 * time.Minute,
		RefreshIssuedAt: clock.Now().Add(-anchorAgo),
	}))

	m := NewManager(ex, mem, WithClock(clock.Now))
	require.NoError(t, m.Load(context.Background()))
	return m, ex, mem, clock
}

func TestGetValidTokenReturnsCached(t *testing.T) {
	m, ex, _, _ := setup(t, 5*time.Minute, time.Hour)

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", tok)
	assert.Zero(t, ex.refreshN.Load())
	assert.Equal(t, StateValid, m.State())
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	m, ex, mem, _ := setup(t, 29*time.Minute+30*time.Second, time.Hour)
	assert.Equal(t, StateExpiring, m.State())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ex.refreshN.Load())
	assert.Equal(t, 2, mem.CredentialCount())
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	m, ex, _, _ := setup(t, 31*time.Minute, time.Hour)
	ex.delay = 50 * time.Millisecond

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
	assert.Equal(t, int32(1), ex.refreshN.Load())
}

func TestRefreshAfterWindowReturnsAuthExpired(t *testing.T) {
	m, ex, _, _ := setup(t, 2*time.Hour, 8*24*time.Hour)

	_, err := m.GetValidToken(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)

	_, err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)

	assert.Zero(t, ex.refreshN.Load())
	assert.Equal(t, StateRefreshExpired, m.State())
}

func TestProviderRejectionMarksChainExpired(t *testing.T) {
	m, ex, _, _ := setup(t, 40*time.Minute, time.Hour)
	ex.err = apperrors.Wrap(apperrors.ErrAuthExpired, "refresh rejected")

	_, err := m.GetValidToken(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Equal(t, StateRefreshExpired, m.State())
}

func TestRefreshCarriesChainAnchor(t *testing.T) {
	m, _, mem, clock := setup(t, 40*time.Minute, 3*24*time.Hour)
	anchor := clock.Now().Add(-3 * 24 * time.Hour)

	cred, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, anchor.Equal(cred.RefreshIssuedAt))
	assert.True(t, anchor.Add(models.RefreshTokenLifetime).Equal(cred.RefreshExpiresAt()))
	assert.NotEmpty(t, cred.ID)

	latest, err := mem.LoadLatestCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cred.AccessToken, latest.AccessToken)
}

func TestForceRefreshCollapsesStaleRejections(t *testing.T) {
	m, ex, _, _ := setup(t, time.Minute, time.Hour)

	first, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", first.AccessToken)

	// A second rejection of the new token refreshes again.
	second, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", second.AccessToken)
	assert.Equal(t, int32(2), ex.refreshN.Load())
}

func TestRefreshNotAuthenticated(t *testing.T) {
	m := NewManager(&fakeExchanger{now: time.Now}, store.NewMemoryStore())
	require.NoError(t, m.Load(context.Background()))

	_, err := m.GetValidToken(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Equal(t, apperrors.KindAuthExpired, apperrors.Kind(err))
}

// freshLogin is what a login run from another process leaves in the store.
func freshLogin(now time.Time) *models.Credential {
	return &models.Credential{
		AccessToken:     "access-login",
		RefreshToken:    "refresh-login",
		TokenType:       "Bearer",
		IssuedAt:        now,
		ExpiresIn:       30 * time.Minute,
		RefreshIssuedAt: now,
	}
}

func TestExpiredChainAdoptsNewerStoredCredential(t *testing.T) {
	m, ex, mem, clock := setup(t, 2*time.Hour, 8*24*time.Hour)
	ctx := context.Background()

	_, err := m.GetValidToken(ctx)
	require.ErrorIs(t, err, apperrors.ErrAuthExpired)

	require.NoError(t, mem.SaveCredential(ctx, freshLogin(clock.Now())))

	tok, err := m.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-login", tok)
	assert.Equal(t, StateValid, m.State())
	assert.Zero(t, ex.refreshN.Load())
}

func TestRejectedChainAdoptsNewerStoredCredential(t *testing.T) {
	m, ex, mem, clock := setup(t, 40*time.Minute, time.Hour)
	ctx := context.Background()
	ex.err = apperrors.Wrap(apperrors.ErrAuthExpired, "refresh rejected")

	_, err := m.GetValidToken(ctx)
	require.ErrorIs(t, err, apperrors.ErrAuthExpired)
	require.Equal(t, StateRefreshExpired, m.State())

	require.NoError(t, mem.SaveCredential(ctx, freshLogin(clock.Now())))

	cred, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-login", cred.AccessToken)
	assert.Equal(t, StateValid, m.State())
	assert.Equal(t, int32(1), ex.refreshN.Load())
}

func TestUnauthenticatedAdoptsStoredCredential(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	m := NewManager(&fakeExchanger{now: clock.Now}, mem, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	_, err := m.GetValidToken(ctx)
	require.ErrorIs(t, err, apperrors.ErrNotAuthenticated)

	require.NoError(t, mem.SaveCredential(ctx, freshLogin(clock.Now())))

	tok, err := m.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-login", tok)
}

func TestOlderStoredCredentialIsIgnored(t *testing.T) {
	m, _, mem, clock := setup(t, 2*time.Hour, 8*24*time.Hour)
	ctx := context.Background()

	stale := freshLogin(clock.Now().Add(-3 * time.Hour))
	require.NoError(t, mem.SaveCredential(ctx, stale))

	_, err := m.GetValidToken(ctx)
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Equal(t, "access-0", m.current().AccessToken)
}

func TestForceRefreshJoiningPlainRefreshStillRotates(t *testing.T) {
	m, ex, _, _ := setup(t, 5*time.Minute, time.Hour)
	seen := m.current().AccessToken

	// A plain refresh in flight that finds the cached token still good.
	release := make(chan struct{})
	held := m.group.DoChan("refresh", func() (interface{}, error) {
		<-release
		return m.current(), nil
	})

	done := make(chan *models.Credential, 1)
	go func() {
		cred, err := m.ForceRefresh(context.Background())
		assert.NoError(t, err)
		done <- cred
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-held

	select {
	case cred := <-done:
		require.NotNil(t, cred)
		assert.NotEqual(t, seen, cred.AccessToken)
		assert.Equal(t, "access-1", cred.AccessToken)
	case <-time.After(5 * time.Second):
		t.Fatal("force refresh did not return")
	}
	assert.Equal(t, int32(1), ex.refreshN.Load())
}

func TestAuthenticateExtractsCodeAndPersists(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)}
	ex := &fakeExchanger{now: clock.Now}
	mem := store.NewMemoryStore()
	m := NewManager(ex, mem, WithClock(clock.Now))

	var shown string
	prompt := func(ctx context.Context, authURL string) (string, error) {
		shown = authURL
		return "https://127.0.0.1/?code=C0DE.abc%40&session=xyz", nil
	}

	cred, err := m.Authenticate(context.Background(), prompt)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shown, "https://auth.example/authorize"))
	assert.Equal(t, "C0DE.abc@", ex.lastCode)
	assert.Equal(t, 1, mem.CredentialCount())
	assert.Equal(t, StateValid, m.State())

	st := m.Status()
	assert.Equal(t, 30*time.Minute, st.AccessRemaining)
	assert.Equal(t, models.RefreshTokenLifetime, st.RefreshRemaining)
	assert.True(t, cred.IssuedAt.Equal(st.IssuedAt))
}

func TestAuthenticatePromptFailure(t *testing.T) {
	m := NewManager(&fakeExchanger{now: time.Now}, store.NewMemoryStore())
	_, err := m.Authenticate(context.Background(), func(context.Context, string) (string, error) {
		return "", errors.New("stdin closed")
	})
	assert.Error(t, err)
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://127.0.0.1/?code=abc%40&session=s", "abc@", false},
		{"  https://127.0.0.1?code=x.y.z%40  ", "x.y.z@", false},
		{"abc%40", "abc@", false},
		{"https://127.0.0.1/?session=s", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ExtractCode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

// Feature: market-scanner, Property 3: Credential lifecycle state
//
// Property: for any access age and chain age, the manager reports
// REFRESH_EXPIRED iff the chain is at least 7 days old, otherwise EXPIRING iff
// less than the safety margin of access life remains, otherwise VALID.
func TestProperty_CredentialState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("state follows the two validity windows", prop.ForAll(
		func(accessAgeSec int, chainAgeMin int) bool {
			accessAge := time.Duration(accessAgeSec) * time.Second
			chainAge := time.Duration(chainAgeMin) * time.Minute
			if chainAge < accessAge {
				chainAge = accessAge
			}

			m, _, _, _ := setup(t, accessAge, chainAge)
			state := m.State()

			switch {
			case chainAge >= models.RefreshTokenLifetime:
				return state == StateRefreshExpired
			case 30*time.Minute-accessAge <= DefaultSafetyMargin:
				return state == StateExpiring
			default:
				return state == StateValid
			}
		},
		gen.IntRange(0, 3600),
		gen.IntRange(0, 8*24*60),
	))

	properties.TestingRun(t)
}
