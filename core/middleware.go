package core

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
)

const refreshSessionName = "dsa_refresh"

// currentUserKey is the gin-context key under which RequireScopes stores the
// authenticated user.
const currentUserKey = "current_user"

// RequireScopes returns a middleware that decodes the bearer token, enforces
// non-expiry and the required scope set, and stores the active user on the
// context. Unauthenticated failures map to 401, scope failures to 403.
func RequireScopes(auth *AuthService, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "認証情報がありません。再ログインしてください。")
			c.Abort()
			return
		}
		user, err := auth.CurrentUser(c.Request.Context(), token, scopes...)
		if err != nil {
			if err == ErrForbidden {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "権限がありません")
			} else {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "認証情報が無効です。再ログインしてください。")
			}
			c.Abort()
			return
		}
		c.Set(currentUserKey, user)
		c.Next()
	}
}

// mustCurrentUser fetches the user stored by RequireScopes.
func mustCurrentUser(c *gin.Context) *UserRecord {
	u, _ := c.Get(currentUserKey)
	user, _ := u.(*UserRecord)
	return user
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// setRefreshCookie stores the refresh token in the HttpOnly signed cookie.
func setRefreshCookie(cfg Config, store *sessions.CookieStore, c *gin.Context, token string, maxAge int) error {
	session, err := store.Get(c.Request, refreshSessionName)
	if err != nil {
		// A stale/invalid cookie decodes with an error but still yields a
		// fresh session; overwrite it.
		session, _ = store.New(c.Request, refreshSessionName)
	}
	session.Values["refresh_token"] = token
	applyRefreshCookieOptions(cfg, session, maxAge)
	return session.Save(c.Request, c.Writer)
}

// refreshCookieToken reads the refresh token back from the cookie.
func refreshCookieToken(store *sessions.CookieStore, c *gin.Context) string {
	session, err := store.Get(c.Request, refreshSessionName)
	if err != nil {
		return ""
	}
	token, _ := session.Values["refresh_token"].(string)
	return token
}

// clearRefreshCookie deletes the refresh cookie.
func clearRefreshCookie(cfg Config, store *sessions.CookieStore, c *gin.Context) {
	session, err := store.Get(c.Request, refreshSessionName)
	if err != nil {
		session, _ = store.New(c.Request, refreshSessionName)
	}
	session.Values = map[interface{}]interface{}{}
	applyRefreshCookieOptions(cfg, session, -1)
	_ = session.Save(c.Request, c.Writer)
}

func applyRefreshCookieOptions(cfg Config, session *sessions.Session, maxAge int) {
	if session.Options == nil {
		session.Options = &sessions.Options{}
	}
	session.Options.Path = "/"
	session.Options.MaxAge = maxAge
	session.Options.HttpOnly = true
	session.Options.Secure = cfg.CookieSecure
	session.Options.SameSite = sameSiteFromString(cfg.CookieSameSite)
}

func sameSiteFromString(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// OriginRefererMiddleware validates Origin/Referer against allowed list and sets CORS headers.
func OriginRefererMiddleware(cfg Config) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}

	isAllowed := func(origin string) bool {
		if origin == "" {
			// Same-origin navigation (no Origin header) is allowed.
			return true
		}
		if len(allowed) == 0 {
			return false
		}
		origin = strings.ToLower(origin)
		_, ok := allowed[origin]
		return ok
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		referer := c.GetHeader("Referer")
		if origin == "" && referer != "" {
			if u, err := url.Parse(referer); err == nil {
				origin = u.Scheme + "://" + u.Host
			}
		}

		// Preflight handling
		if c.Request.Method == http.MethodOptions && origin != "" {
			if !isAllowed(origin) {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
				c.Abort()
				return
			}
			setCORSHeaders(c, origin)
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}

		if !isAllowed(origin) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			c.Abort()
			return
		}
		if origin != "" {
			setCORSHeaders(c, origin)
		}
		c.Next()
	}
}

func setCORSHeaders(c *gin.Context, origin string) {
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Vary", "Origin")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
}
