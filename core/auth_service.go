package core

import (
	"context"
	"errors"
	"sort"
	"time"
)

const maxRefreshCount = 3

var (
	// ErrInvalidCredentials is returned when user_id/password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated covers bad/expired tokens and exhausted refreshes.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden covers scope and ownership failures.
	ErrForbidden = errors.New("forbidden")
)

// TokenPair bundles the freshly minted access/refresh tokens with their payloads.
type TokenPair struct {
	AccessToken    string
	RefreshToken   string
	AccessPayload  TokenPayload
	RefreshPayload TokenPayload
}

// AuthService implements the OAuth2-password / bearer-JWT scheme with
// refresh rotation and the single-session login-history record.
type AuthService struct {
	cfg    Config
	codec  *TokenCodec
	users  UserRepository
	logins LoginHistoryRepository
	now    func() time.Time
}

func NewAuthService(cfg Config, codec *TokenCodec, users UserRepository, logins LoginHistoryRepository) *AuthService {
	return &AuthService{cfg: cfg, codec: codec, users: users, logins: logins, now: time.Now}
}

// Login verifies credentials, asserts the requested scopes against the role's
// scope matrix, mints the token pair and records the login history.
// An empty scope request grants the role's full scope set.
func (s *AuthService) Login(ctx context.Context, userID, password string, requestedScopes []string) (*TokenPair, *UserRecord, error) {
	user, err := s.users.FindByUserID(ctx, userID)
	if err != nil || user == nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !VerifyPassword(password, user.HashedPassword) {
		return nil, nil, ErrInvalidCredentials
	}
	if !userActive(user, s.now()) {
		return nil, nil, ErrInvalidCredentials
	}

	scopes := requestedScopes
	if len(scopes) == 0 {
		scopes = AllowedScopes(user.Role)
	}
	if !ScopesAllowed(user.Role, scopes) {
		return nil, nil, ErrForbidden
	}

	// Truncate to seconds: login_at round-trips through the store as the
	// session key and must compare equal to the token's claim.
	loginAt := s.now().Truncate(time.Second)
	pair, err := s.mintPair(user.UserID, loginAt, scopes, user.Role,
		loginAt.Add(s.cfg.AccessTokenLifetime), loginAt.Add(s.cfg.RefreshTokenLifetime))
	if err != nil {
		return nil, nil, err
	}

	lh := LoginHistory{
		UserID:              user.UserID,
		LoginAt:             loginAt,
		LogoutAt:            pair.AccessPayload.Expire,
		RefreshCount:        0,
		CurrentAccessToken:  pair.AccessToken,
		CurrentRefreshToken: pair.RefreshToken,
	}
	if err := s.logins.Add(ctx, lh); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, nil, ErrConflict
		}
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh rotates the token pair once the access token has expired.
// The new access expiry advances from the previous expiry, not from now, so
// consecutive refreshes do not compound drift. Returns refreshed=false with
// the original access token when it is still valid.
func (s *AuthService) Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, bool, error) {
	access, err := s.codec.Decode(accessToken)
	if err != nil {
		return nil, false, ErrUnauthenticated
	}
	now := s.now()
	if !access.IsExpired(now) {
		return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken, AccessPayload: access}, false, nil
	}

	refresh, err := s.codec.Decode(refreshToken)
	if err != nil || refresh.IsExpired(now) {
		return nil, false, ErrUnauthenticated
	}
	// The pair must describe the same login session.
	if refresh.Sub != access.Sub || !refresh.Login.Equal(access.Login) ||
		refresh.Role != access.Role || !scopesEqual(refresh.Scopes, access.Scopes) {
		return nil, false, ErrUnauthenticated
	}

	lh, err := s.logins.Get(ctx, access.Sub, access.Login)
	if err != nil {
		return nil, false, ErrUnauthenticated
	}
	newCount := lh.RefreshCount + 1
	if newCount > maxRefreshCount {
		_ = s.logins.Remove(ctx, access.Sub, access.Login)
		return nil, false, ErrUnauthenticated
	}

	pair, err := s.mintPair(access.Sub, access.Login, access.Scopes, access.Role,
		access.Expire.Add(s.cfg.AccessTokenLifetime), access.Expire.Add(s.cfg.RefreshTokenLifetime))
	if err != nil {
		return nil, false, err
	}

	lh.LogoutAt = pair.AccessPayload.Expire
	lh.RefreshCount = newCount
	lh.CurrentAccessToken = pair.AccessToken
	lh.CurrentRefreshToken = pair.RefreshToken
	if err := s.logins.Update(ctx, *lh); err != nil {
		return nil, false, err
	}
	return pair, true, nil
}

// Validate reports whether the access token decodes and is not expired.
func (s *AuthService) Validate(token string) bool {
	p, err := s.codec.Decode(token)
	if err != nil {
		return false
	}
	return !p.IsExpired(s.now())
}

// Logout deletes the login-history row for the token's session.
// An expired token is still accepted: the row must go either way.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	p, err := s.codec.Decode(accessToken)
	if err != nil {
		return ErrUnauthenticated
	}
	return s.logins.Remove(ctx, p.Sub, p.Login)
}

// CurrentUser decodes the bearer token, enforces non-expiry and the required
// scope set, and returns the active user record.
func (s *AuthService) CurrentUser(ctx context.Context, token string, requiredScopes ...string) (*UserRecord, error) {
	p, err := s.codec.Decode(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if p.IsExpired(s.now()) {
		return nil, ErrUnauthenticated
	}
	user, err := s.users.FindByUserID(ctx, p.Sub)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if !userActive(user, s.now()) {
		return nil, ErrUnauthenticated
	}
	if !ScopesAllowed(user.Role, requiredScopes) {
		return nil, ErrForbidden
	}
	// The token's own scope set bounds the session even if the role grants more.
	granted := map[string]struct{}{}
	for _, sc := range p.Scopes {
		granted[sc] = struct{}{}
	}
	for _, sc := range requiredScopes {
		if _, ok := granted[sc]; !ok {
			return nil, ErrForbidden
		}
	}
	return user, nil
}

func (s *AuthService) mintPair(sub string, loginAt time.Time, scopes []string, role Role, accessExpire, refreshExpire time.Time) (*TokenPair, error) {
	accessPayload := TokenPayload{Sub: sub, Login: loginAt, Expire: accessExpire, Scopes: scopes, Role: role}
	refreshPayload := TokenPayload{Sub: sub, Login: loginAt, Expire: refreshExpire, Scopes: scopes, Role: role}
	accessToken, err := s.codec.Encode(accessPayload)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.codec.Encode(refreshPayload)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		AccessPayload:  accessPayload,
		RefreshPayload: refreshPayload,
	}, nil
}

// userActive checks the disabled flag and the active window.
func userActive(u *UserRecord, now time.Time) bool {
	if u.Disabled {
		return false
	}
	if u.ActiveStartDate != nil && now.Before(*u.ActiveStartDate) {
		return false
	}
	if u.ActiveEndDate != nil && !now.Before(*u.ActiveEndDate) {
		return false
	}
	return true
}

func scopesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
