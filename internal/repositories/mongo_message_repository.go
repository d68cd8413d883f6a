package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-core/internal/models"
)

// messageDocument is the Mongo shape of a message. PairKey indexes direct
// conversations independent of direction.
type messageDocument struct {
	ID         int64              `bson:"_id"`
	Kind       models.MessageKind `bson:"kind"`
	RoomID     *int64             `bson:"room_id,omitempty"`
	SenderID   int64              `bson:"sender_id"`
	ReceiverID *int64             `bson:"receiver_id,omitempty"`
	PairKey    string             `bson:"pair_key,omitempty"`
	Content    string             `bson:"content"`
	CreatedAt  time.Time          `bson:"created_at"`
}

func (d messageDocument) toMessage() models.Message {
	return models.Message{
		ID:         d.ID,
		Kind:       d.Kind,
		RoomID:     d.RoomID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Content:    d.Content,
		CreatedAt:  d.CreatedAt,
	}
}

// MongoMessageRepo implements MessageRepository on MongoDB. Ids come from a
// counter document so both stores expose the same numeric cursor.
type MongoMessageRepo struct {
	messages *mongo.Collection
	counters *mongo.Collection
	timeout  time.Duration
	now      func() time.Time
}

// NewMongoMessageRepo constructs a MongoMessageRepo.
func NewMongoMessageRepo(db *mongo.Database) *MongoMessageRepo {
	return &MongoMessageRepo{
		messages: db.Collection("messages"),
		counters: db.Collection("counters"),
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

// EnsureIndexes creates the history indexes.
func (r *MongoMessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "pair_key", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (r *MongoMessageRepo) CreateRoomMessage(ctx context.Context, roomID int64, senderID int64, content string) (models.Message, error) {
	return r.insert(ctx, messageDocument{
		Kind:     models.KindRoom,
		RoomID:   &roomID,
		SenderID: senderID,
		Content:  content,
	})
}

func (r *MongoMessageRepo) CreateDirectMessage(ctx context.Context, senderID int64, receiverID int64, content string) (models.Message, error) {
	return r.insert(ctx, messageDocument{
		Kind:       models.KindDirect,
		SenderID:   senderID,
		ReceiverID: &receiverID,
		PairKey:    pairKey(senderID, receiverID),
		Content:    content,
	})
}

func (r *MongoMessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc messageDocument
	err := r.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", err)
	}
	return doc.toMessage(), nil
}

func (r *MongoMessageRepo) ListRoomMessages(ctx context.Context, roomID int64, after models.HistoryCursor, limit int) ([]models.Message, error) {
	return r.find(ctx, roomFilter(roomID, after), limit)
}

func (r *MongoMessageRepo) ListDirectMessages(ctx context.Context, userA int64, userB int64, after models.HistoryCursor, limit int) ([]models.Message, error) {
	return r.find(ctx, directFilter(userA, userB, after), limit)
}

func roomFilter(roomID int64, after models.HistoryCursor) bson.M {
	return withCursor(bson.M{"kind": models.KindRoom, "room_id": roomID}, after)
}

func directFilter(userA, userB int64, after models.HistoryCursor) bson.M {
	return withCursor(bson.M{"kind": models.KindDirect, "pair_key": pairKey(userA, userB)}, after)
}

// withCursor restricts filter to documents strictly after the cursor in
// (created_at, _id) order, matching the sort used by find.
func withCursor(filter bson.M, after models.HistoryCursor) bson.M {
	if after.IsZero() {
		return filter
	}
	filter["$or"] = bson.A{
		bson.M{"created_at": bson.M{"$gt": after.CreatedAt}},
		bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$gt": after.ID}},
	}
	return filter
}

func (r *MongoMessageRepo) insert(ctx context.Context, doc messageDocument) (models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.nextID(ctx)
	if err != nil {
		return models.Message{}, err
	}
	doc.ID = id
	// Mongo stores milliseconds; truncate so the broadcast copy matches history.
	doc.CreatedAt = r.now().UTC().Truncate(time.Millisecond)

	if _, err := r.messages.InsertOne(ctx, doc); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toMessage(), nil
}

func (r *MongoMessageRepo) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "messages"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate message id: %w", err)
	}
	return counter.Seq, nil
}

func (r *MongoMessageRepo) find(ctx context.Context, filter bson.M, limit int) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := r.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toMessage())
	}
	return msgs, nil
}

func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

var _ MessageRepository = (*MessageRepo)(nil)
var _ MessageRepository = (*MongoMessageRepo)(nil)
var _ UserRepository = (*UserRepo)(nil)
