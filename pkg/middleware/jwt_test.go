package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// signClaims は任意のクレームと署名方式でトークンを生成する。
func signClaims(t *testing.T, method jwt.SigningMethod, claims JWTClaims) string {
	t.Helper()

	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return tokenStr
}

// newAuthRouter はJWTAuthを適用し、取得したユーザーIDを返すルーターを生成する。
func newAuthRouter(opts ...AuthOption) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSecret, opts...))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "email": GetEmail(c)})
	})
	return router
}

// serveAuth はルーターにリクエストを送り、ステータスコードとボディを返す。
func serveAuth(t *testing.T, router *gin.Engine, target, authHeader string) (int, map[string]string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	return w.Code, body
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームと有効期限が設定されParseJWTで検証できること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "user-123", "test@example.com", 30*time.Minute)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		if claims.UserID != "user-123" || claims.Subject != "user-123" {
			t.Errorf("UserID = %q, Subject = %q, want user-123", claims.UserID, claims.Subject)
		}
		if claims.Email != "test@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "test@example.com")
		}
		if claims.Issuer != Issuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, Issuer)
		}

		want := before.Add(30 * time.Minute)
		if d := claims.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want 約 %v", claims.ExpiresAt.Time, want)
		}
	})

	t.Run("有効期間が0以下の場合は既定値が使われること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "user-default", "", 0)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		want := before.Add(DefaultTokenTTL)
		if d := claims.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want 約 %v", claims.ExpiresAt.Time, want)
		}
	})
}

// TestParseJWT は受け入れないトークンの種類を検証する。
func TestParseJWT(t *testing.T) {
	t.Parallel()

	valid := func() JWTClaims {
		return JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				Issuer:    Issuer,
			},
			UserID: "user-1",
		}
	}

	tests := []struct {
		name   string
		method jwt.SigningMethod
		mutate func(*JWTClaims)
	}{
		{name: "期限切れ", method: jwt.SigningMethodHS256, mutate: func(c *JWTClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}},
		{name: "有効期限なし", method: jwt.SigningMethodHS256, mutate: func(c *JWTClaims) { c.ExpiresAt = nil }},
		{name: "発行者が異なる", method: jwt.SigningMethodHS256, mutate: func(c *JWTClaims) { c.Issuer = "mediahub-gateway" }},
		{name: "ユーザーIDが空", method: jwt.SigningMethodHS256, mutate: func(c *JWTClaims) { c.UserID = "" }},
		{name: "HS512で署名", method: jwt.SigningMethodHS512, mutate: func(*JWTClaims) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name+"のトークンは拒否されること", func(t *testing.T) {
			t.Parallel()

			claims := valid()
			tt.mutate(&claims)
			if _, err := ParseJWT(testSecret, signClaims(t, tt.method, claims)); err == nil {
				t.Error("ParseJWT()がエラーを返さなかった")
			}
		})
	}

	t.Run("異なるシークレットで署名されたトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT("different-secret", "user-diff", "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := ParseJWT(testSecret, tokenStr); err == nil {
			t.Error("ParseJWT()がエラーを返さなかった")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	tokenStr, err := GenerateJWT(testSecret, "user-ok", "ok@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	t.Run("有効なBearerトークンでユーザー情報とX-User-IDヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		router := newAuthRouter()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["user_id"] != "user-ok" || body["email"] != "ok@example.com" {
			t.Errorf("body = %v, want user_id=user-ok, email=ok@example.com", body)
		}
		if got := w.Header().Get("X-User-ID"); got != "user-ok" {
			t.Errorf("X-User-ID = %q, want %q", got, "user-ok")
		}
	})

	tests := []struct {
		name       string
		opts       []AuthOption
		target     string
		header     string
		wantStatus int
		wantUser   string
		wantError  string
	}{
		{name: "ヘッダーが無い場合401", target: "/test", wantStatus: http.StatusUnauthorized, wantError: "Authorizationヘッダーが必要です"},
		{name: "Bearer接頭辞が無い場合401", target: "/test", header: tokenStr, wantStatus: http.StatusUnauthorized, wantError: "Bearer トークン形式が不正です"},
		{name: "無効なトークンで401", target: "/test", header: "Bearer invalid-token-string", wantStatus: http.StatusUnauthorized, wantError: "トークンが無効です"},
		{name: "クエリトークンは既定では読まれず401", target: "/test?access_token=" + tokenStr, wantStatus: http.StatusUnauthorized, wantError: "Authorizationヘッダーが必要です"},
		{name: "WithQueryTokenでクエリのトークンが使われる", opts: []AuthOption{WithQueryToken("access_token")}, target: "/test?access_token=" + tokenStr, wantStatus: http.StatusOK, wantUser: "user-ok"},
		{name: "AllowAnonymousでトークン無しは匿名として通過", opts: []AuthOption{AllowAnonymous()}, target: "/test", wantStatus: http.StatusOK, wantUser: ""},
		{name: "AllowAnonymousでも無効なトークンは401", opts: []AuthOption{AllowAnonymous(), WithQueryToken("access_token")}, target: "/test?access_token=broken", wantStatus: http.StatusUnauthorized, wantError: "トークンが無効です"},
		{name: "AllowAnonymousでも形式不正のヘッダーは401", opts: []AuthOption{AllowAnonymous()}, target: "/test", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantError: "Bearer トークン形式が不正です"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, body := serveAuth(t, newAuthRouter(tt.opts...), tt.target, tt.header)
			if status != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", status, tt.wantStatus)
			}
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if tt.wantStatus == http.StatusOK && body["user_id"] != tt.wantUser {
				t.Errorf("user_id = %q, want %q", body["user_id"], tt.wantUser)
			}
		})
	}
}

// TestGetUserID はGetUserID関数を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "文字列のuser_idが取得できること", value: "user-get-id", want: "user-get-id"},
		{name: "未設定なら空文字列", value: nil, want: ""},
		{name: "文字列以外の型なら空文字列", value: 12345, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			if tt.value != nil {
				c.Set("user_id", tt.value)
			}
			if got := GetUserID(c); got != tt.want {
				t.Errorf("GetUserID() = %q, want %q", got, tt.want)
			}
		})
	}
}
