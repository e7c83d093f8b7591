// Package notification はリアルタイム通知配信のコアを提供する。
//
// 通知レコードの永続化（Store）、ユーザーごとの接続テーブル（Registry）、
// 再接続時のバックログ再送とミューテーション発生時の一斉配信を担う
// Delivery Coordinatorを含む。配信はat-least-onceで、オフラインだった
// クライアントは次回接続時に未配信の通知を作成順に受け取る。
package notification
