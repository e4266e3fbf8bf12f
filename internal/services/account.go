package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/auth"
	"github.com/scopedauth/apiserver/internal/events"
	"github.com/scopedauth/apiserver/internal/store"
	"github.com/scopedauth/apiserver/types"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password so callers cannot tell them apart.
	ErrInvalidCredentials = errors.New("incorrect username or password")

	// ErrInvalidInput wraps every validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id int64, mutate func(*types.User) error) (types.User, error)
	List(ctx context.Context, limit, offset int) ([]types.User, error)
	Count(ctx context.Context) (int, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type newUserInput struct {
	Username string `validate:"required,max=64"`
	Email    string `validate:"omitempty,email,max=50"`
	Password string `validate:"required"`
}

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// dummyHash is compared against when the username is unknown so that a
// failed lookup costs as much as a failed password check.
var dummyHash = sync.OnceValue(func() string {
	hashed, err := auth.HashPassword("dummy-password-for-timing")
	if err != nil {
		return ""
	}
	return hashed
})

// AccountService encapsulates account use-cases.
type AccountService struct {
	repo   UserRepository
	events events.Publisher
	log    *zap.Logger
}

func NewAccountService(repo UserRepository, publisher events.Publisher, log *zap.Logger) *AccountService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &AccountService{repo: repo, events: publisher, log: log}
}

// Authenticate checks a username and password pair.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (types.User, error) {
	username = strings.TrimSpace(username)
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			auth.VerifyPassword(password, dummyHash())
			s.log.Warn("failed login attempt", zap.String("username", username))
			return types.User{}, ErrInvalidCredentials
		}
		return types.User{}, fmt.Errorf("load user: %w", err)
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		s.log.Warn("failed login attempt", zap.String("username", username))
		return types.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Create registers a new account. Uniqueness is left to the store, which
// reports duplicates as *store.ConflictError.
func (s *AccountService) Create(ctx context.Context, in types.NewUser) (types.User, error) {
	username := strings.TrimSpace(in.Username)
	email := trimmed(in.Email)

	input := newUserInput{Username: username, Password: in.Password}
	if email != nil {
		input.Email = *email
		if input.Email == "" {
			return types.User{}, fmt.Errorf("%w: email must not be blank", ErrInvalidInput)
		}
	}
	if err := validate.Struct(input); err != nil {
		return types.User{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	if len(in.Password) > maxPasswordBytes {
		return types.User{}, fmt.Errorf("%w: password is too long", ErrInvalidInput)
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = types.NewScopes(types.DefaultScope)
	}

	hashed, err := auth.HashPassword(in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Username:     username,
		Email:        email,
		FullName:     in.FullName,
		PasswordHash: hashed,
		Disabled:     in.Disabled,
		Scopes:       scopes,
	})
	if err != nil {
		s.logConflict(err, "create user", username)
		return types.User{}, err
	}

	s.log.Info("user created", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	s.events.Publish(ctx, events.UserCreated, user)
	return user, nil
}

// UpdateSelf applies a profile patch to the user with id.
func (s *AccountService) UpdateSelf(ctx context.Context, id int64, patch types.ProfilePatch) (types.User, error) {
	if err := validateProfile(patch); err != nil {
		return types.User{}, err
	}
	return s.update(ctx, id, patch.Apply)
}

// UpdateAsAdmin applies a patch that may also change disabled and scopes.
func (s *AccountService) UpdateAsAdmin(ctx context.Context, id int64, patch types.AdminPatch) (types.User, error) {
	if err := validateProfile(patch.ProfilePatch); err != nil {
		return types.User{}, err
	}
	if err := patch.Validate(); err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.update(ctx, id, patch.Apply)
}

func (s *AccountService) update(ctx context.Context, id int64, apply func(*types.User)) (types.User, error) {
	user, err := s.repo.Update(ctx, id, func(u *types.User) error {
		apply(u)
		return nil
	})
	if err != nil {
		s.logConflict(err, "update user", fmt.Sprint(id))
		return types.User{}, err
	}
	s.events.Publish(ctx, events.UserUpdated, user)
	return user, nil
}

// List returns a page of users ordered by id. A non-positive limit returns
// everything after offset.
func (s *AccountService) List(ctx context.Context, limit, offset int) ([]types.User, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	return s.repo.List(ctx, limit, offset)
}

func (s *AccountService) GetByID(ctx context.Context, id int64) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *AccountService) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// FindPrincipal resolves a token subject for the authorizer.
func (s *AccountService) FindPrincipal(ctx context.Context, username string) (types.User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, auth.ErrPrincipalNotFound
	}
	return user, err
}

func (s *AccountService) logConflict(err error, op, subject string) {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		s.log.Warn("integrity conflict",
			zap.String("op", op),
			zap.String("subject", subject),
			zap.String("field", conflict.Field),
			zap.String("constraint", conflict.Constraint),
		)
	}
}

func validateProfile(patch types.ProfilePatch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if patch.Username.Set {
		if err := validate.Var(strings.TrimSpace(patch.Username.Value), "max=64"); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidInput, "username is too long")
		}
	}
	if patch.Email.Set && patch.Email.Value != nil {
		if err := validate.Var(strings.TrimSpace(*patch.Email.Value), "email,max=50"); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidInput, "email is not a valid address")
		}
	}
	return nil
}

// describe turns validator output into a short client-facing message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " is not a valid address"
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	return &s
}
