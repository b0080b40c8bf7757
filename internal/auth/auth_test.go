package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deriv-bot-manager/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPasswordManager(t *testing.T) {
	pm := NewPasswordManager(4)
	hash, err := pm.HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !pm.VerifyPassword("s3cret!", hash) {
		t.Error("Expected password to verify")
	}
	if pm.VerifyPassword("wrong", hash) {
		t.Error("Expected wrong password to fail")
	}
	if _, err := pm.HashPassword(strings.Repeat("x", MaxPasswordLength+1)); err == nil {
		t.Error("Expected over-long password to be rejected")
	}
}

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateAccessToken(AdminClaims{Subject: "admin", IsAdmin: true})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != "admin" || !claims.IsAdmin {
		t.Errorf("Unexpected claims %+v", claims)
	}

	other := NewJWTManager("other-secret", time.Hour)
	if _, err := other.ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for foreign secret, got %v", err)
	}
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	past := time.Now().Add(-2 * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		AdminClaims: AdminClaims{Subject: "admin", IsAdmin: true},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := m.ValidateAccessToken(signed); err != ErrTokenExpired {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestService_Login(t *testing.T) {
	svc, err := NewService(config.AdminConfig{Password: "letmein", JWTSecret: "k", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.Login(LoginRequest{Password: "nope"}); err != ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}

	resp, err := svc.Login(LoginRequest{Password: "letmein"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Errorf("Unexpected response %+v", resp)
	}
	if _, err := svc.GetJWTManager().ValidateAccessToken(resp.AccessToken); err != nil {
		t.Errorf("Expected issued token to validate: %v", err)
	}
}

func TestService_UsesConfiguredHash(t *testing.T) {
	hash, _ := NewPasswordManager(4).HashPassword("hashed-pw")
	svc, err := NewService(config.AdminConfig{Password: "ignored", PasswordHash: hash})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Login(LoginRequest{Password: "ignored"}); err == nil {
		t.Error("Expected plaintext password to be ignored when a hash is configured")
	}
	if _, err := svc.Login(LoginRequest{Password: "hashed-pw"}); err != nil {
		t.Errorf("Expected hash password to work: %v", err)
	}
}

func TestAdminMiddleware(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	adminToken, _ := m.GenerateAccessToken(AdminClaims{Subject: "admin", IsAdmin: true})
	viewerToken, _ := m.GenerateAccessToken(AdminClaims{Subject: "viewer"})

	router := gin.New()
	router.GET("/admin", AdminMiddleware(m), func(c *gin.Context) {
		c.String(http.StatusOK, GetAdminClaims(c).Subject)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"not admin", "Bearer " + viewerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandlers_Login(t *testing.T) {
	svc, _ := NewService(config.AdminConfig{Password: "letmein", JWTSecret: "k"})
	router := gin.New()
	router.POST("/api/admin/login", NewHandlers(svc).Login)

	tests := []struct {
		body string
		want int
	}{
		{`{}`, http.StatusBadRequest},
		{`{"password":"nope"}`, http.StatusUnauthorized},
		{`{"password":"letmein"}`, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/login", strings.NewReader(tt.body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.body, tt.want, w.Code)
		}
	}
}

func TestService_RejectsMalformedHash(t *testing.T) {
	if _, err := NewService(config.AdminConfig{PasswordHash: "plaintext"}); err == nil {
		t.Error("Expected a non-bcrypt hash to be rejected")
	}
}
