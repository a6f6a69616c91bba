package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/domsteer/kit"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "u-1", Role: RoleOperator}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u-1" || claims.Role != RoleOperator {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Fatal("expiry fields not stamped")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("lifetime = %v", got)
	}
}

func TestTokenRejectsWeakSecret(t *testing.T) {
	_, err := GenerateToken([]byte("short"), &Claims{UserID: "u-1"}, time.Hour)
	if !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "u-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other := []byte("fedcba9876543210fedcba9876543210")
	if _, err := ValidateToken(other, tok); err == nil {
		t.Fatal("token accepted under a different secret")
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "u-1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(testSecret, tok); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestKeyStoreVerify(t *testing.T) {
	ks := NewKeyStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ks.AddHash("worker-1", RoleWorker, hash)

	id, role, err := ks.Verify("worker-1.s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if id != "worker-1" || role != RoleWorker {
		t.Fatalf("id=%s role=%s", id, role)
	}

	for _, presented := range []string{
		"worker-1.wrong",
		"worker-2.s3cret",
		"worker-1",
		".s3cret",
		"",
	} {
		if _, _, err := ks.Verify(presented); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidKey", presented, err)
		}
	}

	if !ks.Remove("worker-1") {
		t.Fatal("remove reported missing")
	}
	if _, _, err := ks.Verify("worker-1.s3cret"); !errors.Is(err, ErrInvalidKey) {
		t.Fatal("removed key still verifies")
	}
}

func TestNewKeyVerifies(t *testing.T) {
	presented, hash, err := NewKey("ops")
	if err != nil {
		t.Fatal(err)
	}
	ks := NewKeyStore()
	ks.AddHash("ops", RoleOperator, hash)

	id, _, err := ks.Verify(presented)
	if err != nil || id != "ops" {
		t.Fatalf("id=%s err=%v", id, err)
	}
}

func TestLoadKeyFile(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys")
	content := "# worker fleet\n\nworker-1:worker:" + string(hash) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	ks := NewKeyStore()
	if err := ks.LoadKeyFile(path); err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 1 {
		t.Fatalf("len = %d", ks.Len())
	}
	if _, role, err := ks.Verify("worker-1.pw"); err != nil || role != RoleWorker {
		t.Fatalf("role=%s err=%v", role, err)
	}

	bad := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(bad, []byte("no-colons-here\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ks.LoadKeyFile(bad); err == nil {
		t.Fatal("malformed line accepted")
	}
}

// echoIdentity records what the middlewares put in context.
func echoIdentity(got *struct {
	claims *Claims
	userID string
	role   string
}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.claims = GetClaims(r.Context())
		got.userID = kit.GetUserID(r.Context())
		got.role = kit.GetRole(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareBearer(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "u-1", Role: RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var got struct {
		claims *Claims
		userID string
		role   string
	}
	h := Middleware(testSecret, nil)(echoIdentity(&got))

	req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.claims == nil || got.claims.UserID != "u-1" {
		t.Fatalf("claims = %+v", got.claims)
	}
	if got.userID != "u-1" || got.role != RoleAdmin {
		t.Fatalf("kit identity = %s/%s", got.userID, got.role)
	}
}

func TestMiddlewareAPIKey(t *testing.T) {
	ks := NewKeyStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ks.AddHash("worker-1", RoleWorker, hash)

	var got struct {
		claims *Claims
		userID string
		role   string
	}
	h := Middleware(testSecret, ks)(echoIdentity(&got))

	req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
	req.Header.Set("X-API-Key", "worker-1.pw")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.claims == nil || got.claims.UserID != "key:worker-1" || got.role != RoleWorker {
		t.Fatalf("identity = %+v role=%s", got.claims, got.role)
	}
}

func TestMiddlewarePassesThroughInvalid(t *testing.T) {
	var got struct {
		claims *Claims
		userID string
		role   string
	}
	h := Middleware(testSecret, NewKeyStore())(echoIdentity(&got))

	for name, set := range map[string]func(*http.Request){
		"no credentials": func(*http.Request) {},
		"garbage bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") },
		"unknown key":    func(r *http.Request) { r.Header.Set("X-API-Key", "ghost.pw") },
	} {
		got.claims = &Claims{}
		req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
		set(req)
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got.claims != nil {
			t.Errorf("%s: claims = %+v, want nil", name, got.claims)
		}
	}
}

func TestRequireAuth(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "u-1", Role: RoleOperator}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	h := Middleware(testSecret, nil)(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/call", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Error("missing WWW-Authenticate")
	}
	if body := rec.Body.String(); !containsAll(body, CodeUnauthorized, `"success":false`) {
		t.Errorf("body = %s", body)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	worker, err := GenerateToken(testSecret, &Claims{UserID: "w-1", Role: RoleWorker}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := GenerateToken(testSecret, &Claims{UserID: "a-1", Role: RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	h := Middleware(testSecret, nil)(RequireRole(RoleAdmin, RoleOperator)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/call", nil)
	req.Header.Set("Authorization", "Bearer "+worker)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("worker status = %d", rec.Code)
	}
	if !containsAll(rec.Body.String(), CodeForbidden) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/call", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/call", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
