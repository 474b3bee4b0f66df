package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"ridehub.io/internal/ids"
	"ridehub.io/internal/obs"
)

const defaultMinPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Service orchestrates registration, login, session verification and the
// account operations layered on top of them.
type Service struct {
	store  AccountStore
	hasher *Hasher
	tokens *TokenManager
	logger *slog.Logger
	now    func() time.Time

	strict            bool
	minPasswordLength int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithStrictSessions makes Authenticate re-load the account named by every
// token and reject tokens whose account no longer exists.
func WithStrictSessions(on bool) ServiceOption {
	return func(s *Service) { s.strict = on }
}

// WithMinPasswordLength overrides the password length policy.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.minPasswordLength = n
		}
	}
}

// WithLogger sets the logger used for server-side failure detail.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceClock overrides the time source used for account timestamps.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the credential store, hasher and token manager together.
func NewService(store AccountStore, hasher *Hasher, tokens *TokenManager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: account store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("%w: password hasher is required", ErrConfiguration)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token manager is required", ErrConfiguration)
	}
	svc := &Service{
		store:             store,
		hasher:            hasher,
		tokens:            tokens,
		logger:            obs.Logger(),
		now:               time.Now,
		minPasswordLength: defaultMinPasswordLength,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// StrictSessions reports whether strict session checking is enabled.
func (s *Service) StrictSessions() bool { return s.strict }

// Register validates in, hashes the password and persists a new account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Account{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Account{}, err
	}
	if err := s.checkPasswordPolicy(in.Password); err != nil {
		return Account{}, err
	}
	role := RoleUser
	if strings.TrimSpace(in.Role) != "" {
		role, err = ParseRole(in.Role)
		if err != nil {
			return Account{}, err
		}
		if !role.SelfAssignable() {
			return Account{}, fmt.Errorf("%w: role %q cannot be self-assigned", ErrInvalidInput, role)
		}
	}
	acc, err := s.create(ctx, name, email, in.Password, strings.TrimSpace(in.Phone), role)
	obs.ObserveAuth("register", Reason(err))
	return acc, err
}

func (s *Service) create(ctx context.Context, name, email, password, phone string, role Role) (Account, error) {
	// Cheap pre-check; the store's unique constraint settles races.
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return Account{}, fmt.Errorf("%w: email already registered", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return Account{}, err
	}
	now := s.now().UTC()
	acc := &Account{
		ID:           ids.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Phone:        phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, acc); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Account{}, fmt.Errorf("%w: email already registered", ErrAlreadyExists)
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return *acc, nil
}

// Login verifies credentials and issues a session token. An unknown email and
// a wrong password both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if password == "" {
		return Session{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	acc, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if err := s.hasher.VerifyDummy(ctx, password); err != nil {
			return Session{}, err
		}
		s.logger.WarnContext(ctx, "login rejected", "reason", "unknown_email")
		obs.ObserveAuth("login", "unknown_email")
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup account: %w", err)
	}

	ok, err := s.hasher.Verify(ctx, acc.PasswordHash, password)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		s.logger.WarnContext(ctx, "login rejected", "reason", "password_mismatch", "account_id", acc.ID)
		obs.ObserveAuth("login", "password_mismatch")
		return Session{}, ErrInvalidCredentials
	}

	tok, err := s.tokens.Issue(acc.ID, acc.Role)
	if err != nil {
		return Session{}, err
	}
	obs.ObserveAuth("login", "ok")
	return Session{Token: tok, Account: *acc}, nil
}

// Authenticate verifies a bearer token. In strict mode the account is
// re-loaded and its current role replaces the one in the token.
func (s *Service) Authenticate(ctx context.Context, raw string) (Identity, error) {
	id, err := s.tokens.Verify(raw)
	if err == nil && s.strict {
		id, err = s.refresh(ctx, id)
	}
	obs.ObserveAuth("verify", Reason(err))
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (s *Service) refresh(ctx context.Context, id Identity) (Identity, error) {
	acc, err := s.store.FindByID(ctx, id.AccountID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrAccountGone
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup account: %w", err)
	}
	id.Role = acc.Role
	return id, nil
}

// ChangePassword replaces the password of accountID after checking current.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if current == "" || next == "" {
		return fmt.Errorf("%w: current and new password are required", ErrInvalidInput)
	}
	if err := s.checkPasswordPolicy(next); err != nil {
		return err
	}
	acc, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Verify(ctx, acc.PasswordHash, current)
	if err != nil {
		return err
	}
	if !ok {
		obs.ObserveAuth("change_password", "password_mismatch")
		return ErrInvalidCredentials
	}
	same, err := s.hasher.Verify(ctx, acc.PasswordHash, next)
	if err != nil {
		return err
	}
	if same {
		return fmt.Errorf("%w: new password must differ from the current password", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, acc.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	obs.ObserveAuth("change_password", "ok")
	return nil
}

// RequestPasswordReset accepts a reset request without revealing whether the
// email is registered. Nothing is delivered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	acc, err := s.store.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.InfoContext(ctx, "password reset requested", "known", false)
	case err != nil:
		return fmt.Errorf("lookup account: %w", err)
	default:
		s.logger.InfoContext(ctx, "password reset requested", "known", true, "account_id", acc.ID)
	}
	return nil
}

// Account loads a single account.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

// ListAccounts returns every account.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(list))
	for _, acc := range list {
		out = append(out, *acc)
	}
	return out, nil
}

// UpdateProfile changes non-credential fields of an account.
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (Account, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Account{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Phone != nil {
		phone := strings.TrimSpace(*upd.Phone)
		upd.Phone = &phone
	}
	acc, err := s.store.UpdateProfile(ctx, id, upd)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

// SubmitKYC stores verification material and resets the verified flag.
func (s *Service) SubmitKYC(ctx context.Context, id string, sub KYCSubmission) (Account, error) {
	kyc := KYC{
		IDType:       strings.TrimSpace(sub.IDType),
		IDNumber:     strings.TrimSpace(sub.IDNumber),
		LicensePhoto: strings.TrimSpace(sub.LicensePhoto),
		LivePhoto:    strings.TrimSpace(sub.LivePhoto),
	}
	if kyc.IDType == "" || kyc.IDNumber == "" || kyc.LicensePhoto == "" || kyc.LivePhoto == "" {
		return Account{}, fmt.Errorf("%w: id_type, id_number, license_photo and live_photo are required", ErrInvalidInput)
	}
	acc, err := s.store.SetKYC(ctx, id, kyc)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

// VerifyKYC marks a submitted verification as accepted.
func (s *Service) VerifyKYC(ctx context.Context, id string) (Account, error) {
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acc.KYC.IDType == "" || acc.KYC.IDNumber == "" {
		return Account{}, fmt.Errorf("%w: no verification material submitted", ErrInvalidInput)
	}
	kyc := acc.KYC
	kyc.Verified = true
	acc, err = s.store.SetKYC(ctx, id, kyc)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

// EnsureAdmin creates the bootstrap administrator if no account uses email.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) (Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Account{}, err
	}
	existing, err := s.store.FindByEmail(ctx, email)
	if err == nil {
		if existing.Role != RoleAdmin {
			return Account{}, fmt.Errorf("%w: bootstrap admin email %s belongs to a %s account", ErrConfiguration, email, existing.Role)
		}
		return *existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}
	if err := s.checkPasswordPolicy(password); err != nil {
		return Account{}, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = "Administrator"
	}
	return s.create(ctx, name, email, password, "", RoleAdmin)
}

func (s *Service) checkPasswordPolicy(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(password) < s.minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters long", ErrInvalidInput, s.minPasswordLength)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}
