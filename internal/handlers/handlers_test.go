package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/config"
	"github.com/scopedauth/apiserver/internal/auth"
	"github.com/scopedauth/apiserver/internal/events"
	"github.com/scopedauth/apiserver/internal/services"
	"github.com/scopedauth/apiserver/internal/store"
	"github.com/scopedauth/apiserver/types"
)

type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]types.User
}

func (r *fakeRepo) conflict(u types.User) error {
	for _, existing := range r.users {
		if existing.ID == u.ID {
			continue
		}
		if existing.Username == u.Username {
			return &store.ConflictError{Field: "username", Constraint: "users_username_key"}
		}
		if u.Email != nil && existing.Email != nil && *u.Email == *existing.Email {
			return &store.ConflictError{Field: "email", Constraint: "users_email_key"}
		}
	}
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id int64) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) GetByUsername(_ context.Context, username string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *fakeRepo) Create(_ context.Context, u types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conflict(u); err != nil {
		return types.User{}, err
	}
	r.nextID++
	u.ID = r.nextID
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	r.users[u.ID] = u
	return u, nil
}

func (r *fakeRepo) Update(_ context.Context, id int64, mutate func(*types.User) error) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	if err := mutate(&u); err != nil {
		return types.User{}, err
	}
	if err := r.conflict(u); err != nil {
		return types.User{}, err
	}
	u.UpdatedAt = u.UpdatedAt.Add(time.Microsecond)
	r.users[id] = u
	return u, nil
}

func (r *fakeRepo) List(_ context.Context, limit, offset int) ([]types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return []types.User{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), nil
}

type testEnv struct {
	router   http.Handler
	accounts *services.AccountService
	tokens   *auth.TokenService
}

func newTestEnv(t *testing.T, maxListLimit int) *testEnv {
	t.Helper()
	log := zap.NewNop()
	tokens, err := auth.NewTokenService(config.AuthConfig{
		SecretKey:                "handler-test-secret-0123456789abcdef",
		Algorithm:                "HS256",
		AccessTokenExpireMinutes: 30,
		TokenType:                "Bearer",
	})
	require.NoError(t, err)

	accounts := services.NewAccountService(&fakeRepo{users: map[int64]types.User{}}, events.Noop{}, log)
	guard := NewGuard(auth.NewAuthorizer(tokens, accounts), log)

	r := chi.NewRouter()
	r.Get("/healthz", Healthz)
	AuthRouter(r, NewAuthHandler(accounts, tokens, "Bearer", log))
	UserRouter(r, NewUserHandler(accounts, maxListLimit, log), guard)

	return &testEnv{router: r, accounts: accounts, tokens: tokens}
}

func (e *testEnv) createUser(t *testing.T, username string, disabled bool, scopes ...string) types.User {
	t.Helper()
	u, err := e.accounts.Create(context.Background(), types.NewUser{
		Username: username,
		Password: "Secret123!",
		Disabled: disabled,
		Scopes:   types.NewScopes(scopes...),
	})
	require.NoError(t, err)
	return u
}

func (e *testEnv) bearer(t *testing.T, username string, scopes ...string) string {
	t.Helper()
	tok, err := e.tokens.Issue(username, types.NewScopes(scopes...), time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path, authorization, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestToken_Success(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false, "user", "admin")

	form := url.Values{"username": {"alice"}, "password": {"Secret123!"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "Bearer", resp.TokenType)

	claims, err := env.tokens.Decode(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "user admin", claims.Scopes)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestToken_BadCredentials(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false)

	for _, form := range []url.Values{
		{"username": {"alice"}, "password": {"wrong"}},
		{"username": {"ghost"}, "password": {"Secret123!"}},
	} {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		require.Equal(t, "Incorrect username or password", decodeError(t, rec))
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/register", "",
		`{"username":"alice","email":"alice@example.com","password":"Secret123!","full_name":"Alice","scopes":"admin","disabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotContains(t, rec.Body.String(), "hashed_password")
	require.NotContains(t, rec.Body.String(), "$2a$")

	var user types.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	require.Equal(t, "alice", user.Username)
	require.Equal(t, types.NewScopes("user"), user.Scopes)
	require.False(t, user.Disabled)
	require.Equal(t, "Alice", *user.FullName)
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/register", "", `{"username":"alice","email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/register", "", `{"username":"alice","password":"pw"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "A user with this username already exists.", decodeError(t, rec))

	rec = env.do(t, http.MethodPost, "/register", "", `{"username":"bob","email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "A user with this email already exists.", decodeError(t, rec))

	rec = env.do(t, http.MethodPost, "/register", "", `{"username":"carol","email":"bad","password":"pw"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/register", "", `{"username":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMe_RequiresToken(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/users/me", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer scope="user"`, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "Could not validate credentials", decodeError(t, rec))

	rec = env.do(t, http.MethodGet, "/users/me", "Bearer garbage", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsProfile(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false)

	rec := env.do(t, http.MethodGet, "/users/me", env.bearer(t, "alice", "user"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var user types.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	require.Equal(t, "alice", user.Username)
}

func TestMe_TokenForDeletedUser(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/users/me", env.bearer(t, "ghost", "user"), "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_InactiveUser(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "bob", true)

	rec := env.do(t, http.MethodGet, "/users/me", env.bearer(t, "bob", "user"), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Inactive user", decodeError(t, rec))
}

func TestUpdateMe(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false)
	env.createUser(t, "bob", false)
	token := env.bearer(t, "alice", "user")

	rec := env.do(t, http.MethodPut, "/users/me/update", token, `{"full_name":"Alice A."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var user types.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	require.Equal(t, "Alice A.", *user.FullName)
	require.Equal(t, types.NewScopes("user"), user.Scopes)

	rec = env.do(t, http.MethodPatch, "/users/me", token, `{"scopes":"user admin","disabled":true,"email":"a@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	require.Equal(t, types.NewScopes("user"), user.Scopes)
	require.False(t, user.Disabled)
	require.Equal(t, "a@example.com", *user.Email)

	rec = env.do(t, http.MethodPatch, "/users/me", token, `{"username":"bob"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateMe_RenameRetiresOldToken(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false)
	oldToken := env.bearer(t, "alice", "user")

	rec := env.do(t, http.MethodPatch, "/users/me", oldToken, `{"username":"alicia"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/users/me", oldToken, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/users/me", env.bearer(t, "alicia", "user"), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes_RequireAdminScope(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "alice", false, "user", "admin")

	// alice has admin on the account, but the token only grants user.
	rec := env.do(t, http.MethodGet, "/users", env.bearer(t, "alice", "user"), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, `Bearer scope="admin"`, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "Not enough permissions", decodeError(t, rec))

	rec = env.do(t, http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "root", false, "user", "admin")
	for i := 0; i < 12; i++ {
		env.createUser(t, "user"+string(rune('a'+i)), false)
	}
	token := env.bearer(t, "root", "admin")

	var users []types.User
	rec := env.do(t, http.MethodGet, "/users", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, defaultListLimit)
	require.Equal(t, "root", users[0].Username)

	rec = env.do(t, http.MethodGet, "/users?limit=2&offset=1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 2)
	require.Equal(t, "usera", users[0].Username)

	rec = env.do(t, http.MethodGet, "/users?limit=100", token, "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 13)

	rec = env.do(t, http.MethodGet, "/users?limit=abc", token, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/users?offset=-1", token, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListUsers_ConfiguredCap(t *testing.T) {
	env := newTestEnv(t, 3)
	env.createUser(t, "root", false, "admin")
	for i := 0; i < 5; i++ {
		env.createUser(t, "user"+string(rune('a'+i)), false)
	}

	var users []types.User
	rec := env.do(t, http.MethodGet, "/users?limit=50", env.bearer(t, "root", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 3)
}

func TestUpdateUser(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "root", false, "user", "admin")
	bob := env.createUser(t, "bob", false)
	token := env.bearer(t, "root", "admin")

	rec := env.do(t, http.MethodPatch, "/users/"+itoa(bob.ID), token, `{"disabled":true,"scopes":"user reports"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var user types.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	require.True(t, user.Disabled)
	require.Equal(t, types.NewScopes("user", "reports"), user.Scopes)
	require.Equal(t, "bob", user.Username)

	rec = env.do(t, http.MethodPatch, "/users/999", token, `{"disabled":false}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "User with ID 999 not found.", decodeError(t, rec))

	rec = env.do(t, http.MethodPatch, "/users/abc", token, `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// bob is now disabled and cannot use his profile.
	rec = env.do(t, http.MethodGet, "/users/me", env.bearer(t, "bob", "user"), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	env.createUser(t, "root", false, "user", "admin")

	rec := env.do(t, http.MethodGet, "/status", env.bearer(t, "root", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, StatusResponse{Status: "ok", User: "root", IsAdmin: true, Users: 1}, resp)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(Healthz))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
