package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"chat-core/internal/models"
)

func TestPairKeyIsDirectionless(t *testing.T) {
	assert.Equal(t, "3:9", pairKey(3, 9))
	assert.Equal(t, "3:9", pairKey(9, 3))
}

func TestMessageDocumentToMessage(t *testing.T) {
	room := int64(42)
	now := time.Now().UTC()
	msg := messageDocument{ID: 5, Kind: models.KindRoom, RoomID: &room, SenderID: 1, Content: "hi", CreatedAt: now}.toMessage()
	assert.Equal(t, int64(5), msg.ID)
	assert.Equal(t, models.KindRoom, msg.Kind)
	assert.Equal(t, &room, msg.RoomID)
	assert.Nil(t, msg.ReceiverID)
	assert.Equal(t, now, msg.CreatedAt)
}

func TestHistoryFilters(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	after := models.HistoryCursor{CreatedAt: at, ID: 5}
	keyset := bson.A{
		bson.M{"created_at": bson.M{"$gt": at}},
		bson.M{"created_at": at, "_id": bson.M{"$gt": int64(5)}},
	}

	cases := []struct {
		name string
		got  bson.M
		want bson.M
	}{
		{
			name: "room first page",
			got:  roomFilter(42, models.HistoryCursor{}),
			want: bson.M{"kind": models.KindRoom, "room_id": int64(42)},
		},
		{
			name: "room after cursor",
			got:  roomFilter(42, after),
			want: bson.M{"kind": models.KindRoom, "room_id": int64(42), "$or": keyset},
		},
		{
			name: "direct first page either direction",
			got:  directFilter(9, 3, models.HistoryCursor{}),
			want: bson.M{"kind": models.KindDirect, "pair_key": "3:9"},
		},
		{
			name: "direct after cursor",
			got:  directFilter(3, 9, after),
			want: bson.M{"kind": models.KindDirect, "pair_key": "3:9", "$or": keyset},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.got)
		})
	}
}

func TestMongoMessageRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert allocates counter id and truncates to milliseconds", func(mt *mtest.T) {
		repo := NewMongoMessageRepo(mt.DB)
		repo.now = func() time.Time {
			return time.Date(2024, 5, 1, 14, 0, 0, 123456789, time.FixedZone("CEST", 2*3600))
		}
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "_id", Value: "messages"},
				{Key: "seq", Value: int64(7)},
			}}),
			mtest.CreateSuccessResponse(),
		)

		msg, err := repo.CreateDirectMessage(context.Background(), 9, 3, "hi")
		require.NoError(mt, err)
		assert.Equal(mt, int64(7), msg.ID)
		assert.Equal(mt, models.KindDirect, msg.Kind)
		require.NotNil(mt, msg.ReceiverID)
		assert.Equal(mt, int64(3), *msg.ReceiverID)
		assert.True(mt, msg.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)), msg.CreatedAt)
		assert.Equal(mt, time.UTC, msg.CreatedAt.Location())

		counter := mt.GetStartedEvent()
		require.NotNil(mt, counter)
		assert.Equal(mt, "findAndModify", counter.CommandName)
		assert.Equal(mt, "counters", counter.Command.Lookup("findAndModify").StringValue())
		assert.True(mt, counter.Command.Lookup("upsert").Boolean())

		insert := mt.GetStartedEvent()
		require.NotNil(mt, insert)
		assert.Equal(mt, "insert", insert.CommandName)
		assert.Equal(mt, "messages", insert.Command.Lookup("insert").StringValue())
	})

	mt.Run("counter failure aborts insert", func(mt *mtest.T) {
		repo := NewMongoMessageRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "counter document is corrupt",
		}))

		_, err := repo.CreateRoomMessage(context.Background(), 42, 1, "hi")
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "allocate message id")

		require.NotNil(mt, mt.GetStartedEvent())
		assert.Nil(mt, mt.GetStartedEvent(), "no insert after a failed id allocation")
	})

	mt.Run("list sorts by created_at then id with keyset filter", func(mt *mtest.T) {
		repo := NewMongoMessageRepo(mt.DB)
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		ns := mt.DB.Name() + ".messages"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: int64(6)},
				{Key: "kind", Value: "room"},
				{Key: "room_id", Value: int64(42)},
				{Key: "sender_id", Value: int64(1)},
				{Key: "content", Value: "stamped first"},
				{Key: "created_at", Value: base},
			},
			bson.D{
				{Key: "_id", Value: int64(5)},
				{Key: "kind", Value: "room"},
				{Key: "room_id", Value: int64(42)},
				{Key: "sender_id", Value: int64(2)},
				{Key: "content", Value: "stamped second"},
				{Key: "created_at", Value: base.Add(time.Millisecond)},
			},
		))

		after := models.HistoryCursor{CreatedAt: base.Add(-time.Second), ID: 9}
		msgs, err := repo.ListRoomMessages(context.Background(), 42, after, 3)
		require.NoError(mt, err)
		require.Len(mt, msgs, 2)
		assert.Equal(mt, int64(6), msgs[0].ID)
		assert.Equal(mt, int64(5), msgs[1].ID)
		assert.True(mt, msgs[1].CreatedAt.Equal(base.Add(time.Millisecond)))
		require.NotNil(mt, msgs[0].RoomID)
		assert.Equal(mt, int64(42), *msgs[0].RoomID)

		find := mt.GetStartedEvent()
		require.NotNil(mt, find)
		assert.Equal(mt, "find", find.CommandName)
		assert.Equal(mt, int64(3), find.Command.Lookup("limit").AsInt64())

		sortElems, err := find.Command.Lookup("sort").Document().Elements()
		require.NoError(mt, err)
		keys := make([]string, 0, len(sortElems))
		for _, e := range sortElems {
			keys = append(keys, e.Key())
		}
		assert.Equal(mt, []string{"created_at", "_id"}, keys)

		clauses, err := find.Command.Lookup("filter", "$or").Array().Values()
		require.NoError(mt, err)
		assert.Len(mt, clauses, 2)
	})
}
