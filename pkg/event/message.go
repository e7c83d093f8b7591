package event

import (
	"errors"
	"fmt"
)

// ErrUnknownKind は未定義のイベント種別が指定されたことを表す。
var ErrUnknownKind = errors.New("未定義のイベント種別です")

// New はミューテーションイベントを生成する。
// 種別が未定義の場合はErrUnknownKindを返す。
func New(kind Kind, actingUserID, itemID, title string) (Mutation, error) {
	m := Mutation{
		Kind:         kind,
		ActingUserID: actingUserID,
		ItemID:       itemID,
		Title:        title,
	}
	if _, err := m.Message(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

// Broadcast はクライアントから送信されたメッセージをそのまま配信するイベントを生成する。
func Broadcast(actingUserID, message string) Mutation {
	return Mutation{
		Kind:         KindBroadcast,
		ActingUserID: actingUserID,
		Title:        message,
	}
}

// Message はイベントからクライアントに表示する通知文を組み立てる。
// 同じイベントからは常に同じ文字列が得られる。
func (m Mutation) Message() (string, error) {
	switch m.Kind {
	case KindCreated:
		return "Task created: " + m.Title, nil
	case KindUpdated:
		return "Task updated: " + m.Title, nil
	case KindDeleted:
		return "Task deleted: " + m.Title, nil
	case KindBroadcast:
		return m.Title, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}
