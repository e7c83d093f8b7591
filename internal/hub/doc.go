// Package hub は通知チャネルのHTTP境界を提供する。
//
// クライアントは GET /hubs/notifications でServer-Sent Eventsのストリームを開き、
// ReceiveMessage イベントとして通知文を受け取る。接続時には未配信の通知が
// その接続だけに再送される。POST /hubs/notifications/messages で
// 全接続への一斉配信を依頼できる。
//
// 配信の手順そのものは notification.Coordinator が担い、このパッケージは
// 認証済みユーザーIDの受け渡しと接続のライフサイクル管理だけを行う。
package hub
