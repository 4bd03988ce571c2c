package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printbridge/internal/config"
)

const tokenIssuer = "printbridge"

type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Auth guards the API with static keys, JWT bearer tokens or both. With
// neither configured the API is open and RequireAuth passes everything
// through.
type Auth struct {
	apiKeys      map[string]struct{}
	adminUser    string
	passwordHash string
	secret       []byte
	ttl          time.Duration
	logger       *slog.Logger
}

func NewAuth(cfg *config.SecurityConfig, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Auth{
		apiKeys: make(map[string]struct{}),
		ttl:     24 * time.Hour,
		logger:  logger,
	}
	if cfg == nil {
		return a
	}

	for _, key := range cfg.APIKeys {
		if key != "" {
			a.apiKeys[key] = struct{}{}
		}
	}
	a.adminUser = cfg.AdminUser
	a.passwordHash = cfg.AdminPasswordHash
	a.secret = []byte(cfg.JWTSecret)
	if cfg.TokenTTL.Std() > 0 {
		a.ttl = cfg.TokenTTL.Std()
	}

	return a
}

// Enabled reports whether any credential is configured.
func (a *Auth) Enabled() bool {
	return len(a.apiKeys) > 0 || a.loginEnabled()
}

func (a *Auth) loginEnabled() bool {
	return a.passwordHash != "" && len(a.secret) > 0
}

// RequireAuth accepts a configured X-API-Key or a valid bearer token. A
// present but wrong key is rejected with 403 rather than 401 so key rotation
// mistakes are distinguishable from missing credentials.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if _, ok := a.apiKeys[key]; !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
				return
			}
			c.Set("auth_method", "api_key")
			c.Next()
			return
		}

		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
				return
			}
			claims, err := a.validateToken(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
				return
			}
			c.Set("auth_method", "token")
			c.Set("username", claims.Username)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

// RequireAdmin restricts a route group to callers holding a bearer token
// issued by LoginHandler. It runs behind RequireAuth, which records how the
// caller authenticated. When no admin login is configured the key tier is
// the only credential there is, so keys pass here too.
func (a *Auth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() || !a.loginEnabled() {
			c.Next()
			return
		}

		if c.GetString("auth_method") != "token" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
			return
		}

		c.Next()
	}
}

// LoginHandler exchanges admin credentials for a bearer token.
func (a *Auth) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !a.loginEnabled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "login is not configured"})
		return
	}

	if req.Username != a.adminUser {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(req.Password)); err != nil {
		a.logger.Warn("failed login attempt", "username", req.Username, "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := a.GenerateToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *Auth) GenerateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(a.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
