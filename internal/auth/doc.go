// Package auth はメールアドレスとパスワードによるユーザー登録とログインを提供する。
//
// パスワードはbcryptでハッシュ化して保存し、ログインに成功すると
// middleware.GenerateJWT で署名したアクセストークンを発行する。
package auth
