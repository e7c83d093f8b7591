// Package task は共有タスクのCRUD APIを提供する。
//
// タスクの作成・更新・削除が成功すると、操作したユーザーのIDで
// 通知の配信を依頼する。通知の失敗はログに記録するだけで、
// タスク操作のレスポンスには影響しない。
package task
