package middleware

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrCiphertextTooShort は復号対象がnonceより短い場合のエラー。
var ErrCiphertextTooShort = errors.New("暗号文が短すぎます")

// Encryptor はAES-GCMでデータを暗号化する。
// 出力はnonceと暗号文を連結してbase64(標準)エンコードした文字列。
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor は16/24/32バイトの鍵からEncryptorを生成する。
func NewEncryptor(key []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("暗号鍵が不正です: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMの初期化に失敗: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt は平文を暗号化する。呼び出しごとにランダムなnonceを使う。
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt はEncryptの出力を復号する。
func (e *Encryptor) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64のデコードに失敗: %w", err)
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("復号に失敗: %w", err)
	}
	return plaintext, nil
}

// bufferedWriter はハンドラーの出力をいったんバッファに溜めるResponseWriter。
type bufferedWriter struct {
	gin.ResponseWriter
	body   bytes.Buffer
	status int
}

func (w *bufferedWriter) WriteHeader(code int) {
	w.status = code
}

func (w *bufferedWriter) WriteHeaderNow() {}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *bufferedWriter) Status() int {
	return w.status
}

func (w *bufferedWriter) Size() int {
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool {
	return w.body.Len() > 0
}

// EncryptResponse は2xxのJSONレスポンスを暗号化し {"encrypted": "..."} に置き換える
// Ginミドルウェアを返す。エラーレスポンスとJSON以外はそのまま返す。
func EncryptResponse(enc *Encryptor) gin.HandlerFunc {
	return func(c *gin.Context) {
		original := c.Writer
		bw := &bufferedWriter{ResponseWriter: original, status: http.StatusOK}
		c.Writer = bw
		c.Next()
		c.Writer = original

		body := bw.body.Bytes()
		if bw.status < 200 || bw.status >= 300 || !json.Valid(body) {
			original.WriteHeader(bw.status)
			_, _ = original.Write(body)
			return
		}

		cipherText, err := enc.Encrypt(body)
		if err != nil {
			log.Printf("レスポンスの暗号化に失敗: %v", err)
			original.Header().Del("Content-Length")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "レスポンスの暗号化に失敗しました"})
			return
		}
		original.Header().Del("Content-Length")
		c.JSON(bw.status, gin.H{"encrypted": cipherText})
	}
}
