package notification

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoCollection は通知レコードを保存するコレクション名。
const mongoCollection = "notifications"

// mongoRecord はMongoDBに保存する通知ドキュメント。
type mongoRecord struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Message   string    `bson:"message"`
	CreatedAt time.Time `bson:"created_at"`
	// CreatedNs はBSONの日時がミリ秒精度のため保持するナノ秒精度の作成日時。
	CreatedNs int64 `bson:"created_ns"`
	// Seq は挿入順の連番。同時刻のレコードの並び順に使う。
	Seq         int64      `bson:"seq"`
	Delivered   bool       `bson:"delivered"`
	DeliveredAt *time.Time `bson:"delivered_at,omitempty"`
}

// toRecord はドキュメントをRecordに変換する。
func (d mongoRecord) toRecord() Record {
	return Record{
		ID:        d.ID,
		UserID:    d.UserID,
		Message:   d.Message,
		CreatedAt: time.Unix(0, d.CreatedNs).UTC(),
		Delivered: d.Delivered,
	}
}

// MongoStore はMongoDBを使ったStoreの実装。
type MongoStore struct {
	// client はMongoDBクライアント。Closeで切断する。
	client *mongo.Client
	// coll は通知コレクション。
	coll *mongo.Collection
	// seq は挿入順の連番を払い出すカウンタ。
	seq atomic.Int64
}

// OpenMongoStore はMongoDBに接続し、インデックスを作成してMongoStoreを生成する。
func OpenMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("MongoDBへの接続に失敗: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("MongoDBへの疎通確認に失敗: %w", err)
	}

	coll := client.Database(database).Collection(mongoCollection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "delivered", Value: 1}, {Key: "created_ns", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_ns", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("通知コレクションのインデックス作成に失敗: %w", err)
	}

	s := &MongoStore{client: client, coll: coll}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// Create は未配信状態の通知ドキュメントを保存する。
func (s *MongoStore) Create(ctx context.Context, r Record) error {
	doc := mongoRecord{
		ID:        r.ID,
		UserID:    r.UserID,
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
		CreatedNs: r.CreatedAt.UnixNano(),
		Seq:       s.seq.Add(1),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return storageError("create", err)
	}
	return nil
}

// ListPending はユーザーの未配信レコードを作成日時の昇順、同時刻は挿入順で返す。
func (s *MongoStore) ListPending(ctx context.Context, userID string) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_ns", Value: 1}, {Key: "seq", Value: 1}})
	records, err := s.find(ctx, bson.M{"user_id": userID, "delivered": false}, opts)
	if err != nil {
		return nil, storageError("list_pending", err)
	}
	return records, nil
}

// MarkDelivered は指定されたレコードを配信済みにする。
func (s *MongoStore) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "delivered": false}
	update := bson.M{"$set": bson.M{"delivered": true, "delivered_at": time.Now().UTC()}}
	if _, err := s.coll.UpdateMany(ctx, filter, update); err != nil {
		return storageError("mark_delivered", err)
	}
	return nil
}

// ListByUser はユーザーの通知履歴を新しい順に最大limit件返す。
func (s *MongoStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_ns", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit))
	records, err := s.find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, storageError("list_by_user", err)
	}
	return records, nil
}

// find はフィルタに一致するドキュメントをすべて読み出す。
func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]Record, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(docs))
	for _, d := range docs {
		records = append(records, d.toRecord())
	}
	return records, nil
}

// Close はMongoDBとの接続を切断する。
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
