// Package event はタスクの変更やクライアントからのブロードキャスト要求を
// 通知サブシステムへ伝えるためのミューテーションイベントを定義する。
//
// タスクストアは永続化に成功した後、ここで定義されたイベントを
// Delivery Coordinatorへ同期的に渡す。
package event
