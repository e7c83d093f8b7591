package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// Issuer はこのサービスが発行するトークンのiss。
const Issuer = "tasknotify"

// headerKeyUserID は認証済みユーザーIDをレスポンスに載せるHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// DefaultTokenTTL はttlに0以下が指定された場合の有効期間。
const DefaultTokenTTL = 24 * time.Hour

// GenerateJWT はユーザー情報からHS256署名のJWTトークンを生成する。
func GenerateJWT(secret, userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証してクレームを返す。
// 署名アルゴリズムはHS256、発行者はIssuerに限定する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("トークンが無効です")
	}
	return claims, nil
}

// authConfig はJWTAuthの動作設定。
type authConfig struct {
	// queryParam はトークンを読み取るクエリパラメータ名。空ならヘッダーのみ。
	queryParam string
	// allowAnonymous はトークンが無い場合も匿名として通過させるか。
	allowAnonymous bool
}

// AuthOption はJWTAuthの動作を変更する関数。
type AuthOption func(*authConfig)

// WithQueryToken はAuthorizationヘッダーが無い場合に指定したクエリパラメータから
// トークンを読み取る。EventSourceのようにヘッダーを付けられないクライアント向け。
func WithQueryToken(param string) AuthOption {
	return func(c *authConfig) {
		c.queryParam = param
	}
}

// AllowAnonymous はトークンが無いリクエストをユーザーIDなしで通過させる。
// トークンが付いていて無効な場合は401を返す。
func AllowAnonymous() AuthOption {
	return func(c *authConfig) {
		c.allowAnonymous = true
	}
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
func JWTAuth(secret string, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		tokenString, found, msg := extractToken(c, cfg.queryParam)
		if !found {
			if cfg.allowAnonymous && msg == "" {
				c.Next()
				return
			}
			if msg == "" {
				msg = "Authorizationヘッダーが必要です"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// extractToken はリクエストからトークン文字列を取り出す。
// トークンが無い場合はfound=falseとなり、形式不正の場合はmsgにエラー文言を返す。
func extractToken(c *gin.Context, queryParam string) (token string, found bool, msg string) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			return "", false, "Bearer トークン形式が不正です"
		}
		return tokenString, true, ""
	}
	if queryParam != "" {
		if q := c.Query(queryParam); q != "" {
			return q, true, ""
		}
	}
	return "", false, ""
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。匿名なら空文字列を返す。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	email, _ := c.Get("email")
	if e, ok := email.(string); ok {
		return e
	}
	return ""
}
