package event

// Kind はミューテーションイベントの種類を表す。
type Kind string

const (
	// KindCreated はタスクが作成されたことを表す。
	KindCreated Kind = "created"
	// KindUpdated はタスクが更新されたことを表す。
	KindUpdated Kind = "updated"
	// KindDeleted はタスクが削除されたことを表す。
	KindDeleted Kind = "deleted"
	// KindBroadcast はクライアントが明示的にメッセージの一斉送信を要求したことを表す。
	KindBroadcast Kind = "broadcast"
)

// Mutation は通知の発生源となるイベント。
// タスクストアまたはハブ境界が生成し、Delivery Coordinatorが消費する。
type Mutation struct {
	// Kind はイベントの種類。
	Kind Kind `json:"kind"`
	// ActingUserID は操作を行ったユーザーのID。通知レコードはこのIDで保存される。
	ActingUserID string `json:"acting_user_id"`
	// ItemID は対象タスクのID。ブロードキャストの場合は空。
	ItemID string `json:"item_id,omitempty"`
	// Title は表示用に整形済みのタイトル。ブロードキャストの場合はメッセージ本文。
	Title string `json:"title"`
}
