package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rahmatullahboss/cartsync/internal/domain"
)

type mongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) CartStore {
	return &mongoStore{collection: db.Collection("carts")}
}

func ownerFilter(key string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"session_id": key},
		bson.M{"user_id": key},
	}}
}

func reminderField(stage int) string {
	switch stage {
	case domain.FirstReminderStage:
		return "first_reminder_sent_at"
	case domain.SecondReminderStage:
		return "second_reminder_sent_at"
	case domain.FinalReminderStage:
		return "final_reminder_sent_at"
	}
	return ""
}

func (m *mongoStore) FindActive(ctx context.Context, ownerKey string) (*domain.CartRecord, error) {
	filter := ownerFilter(ownerKey)
	filter["status"] = bson.M{"$ne": domain.StatusRecovered}

	var cart domain.CartRecord
	err := m.collection.FindOne(ctx, filter).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to find cart: %w", err)
	}
	return &cart, nil
}

func (m *mongoStore) Create(ctx context.Context, owner Owner) (*domain.CartRecord, error) {
	now := time.Now().UTC()
	cart := &domain.CartRecord{
		ID:             uuid.NewString(),
		SessionID:      owner.SessionID,
		UserID:         owner.UserID,
		Lines:          []domain.CartLine{},
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := m.collection.InsertOne(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	return cart, nil
}

func (m *mongoStore) ApplySnapshot(ctx context.Context, owner Owner, snap PricedSnapshot, contact domain.Contact) (*domain.CartRecord, error) {
	now := time.Now().UTC()
	lines := snap.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}

	var filter bson.M
	if owner.UserID != "" {
		filter = bson.M{"user_id": owner.UserID}
	} else {
		filter = bson.M{"session_id": owner.SessionID}
	}
	// A write always revives an abandoned cart; a recovered cart is
	// terminal and gets a fresh record instead.
	filter["status"] = bson.M{"$ne": domain.StatusRecovered}

	set := bson.M{
		"lines":            lines,
		"subtotal":         snap.Subtotal,
		"cart_total":       snap.CartTotal,
		"status":           domain.StatusActive,
		"last_activity_at": now,
		"updated_at":       now,
	}
	if snap.ShippingZone != "" {
		set["shipping_zone"] = snap.ShippingZone
	}
	if contact.Name != "" {
		set["customer_name"] = contact.Name
	}
	if contact.Email != "" {
		set["customer_email"] = contact.Email
	}
	if contact.Number != "" {
		set["customer_number"] = contact.Number
	}

	// The owner key itself rides in via the filter equality; session_id is
	// deliberately not planted on user-keyed inserts, since the guest record
	// may still hold that session until the merge absorbs it. BindSession
	// attaches it afterwards.
	setOnInsert := bson.M{
		"_id":            uuid.NewString(),
		"reminder_stage": 0,
		"created_at":     now,
	}

	opts := options.Update().SetUpsert(true)
	update := bson.M{"$set": set, "$setOnInsert": setOnInsert}
	for attempt := 0; ; attempt++ {
		_, err := m.collection.UpdateOne(ctx, filter, update, opts)
		if err == nil {
			break
		}
		// Two first writes for the same identity can race past the filter
		// and both take the insert path; the partial unique index rejects
		// the loser, whose retry then matches the winner's record.
		if mongo.IsDuplicateKeyError(err) && attempt == 0 {
			continue
		}
		return nil, fmt.Errorf("failed to apply snapshot: %w", err)
	}

	return m.FindActive(ctx, owner.Key())
}

func (m *mongoStore) BindSession(ctx context.Context, id, sessionID string) error {
	update := bson.M{"$set": bson.M{"session_id": sessionID, "updated_at": time.Now().UTC()}}
	result, err := m.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to bind session: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *mongoStore) Delete(ctx context.Context, id string) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *mongoStore) FindAbandonCandidates(ctx context.Context, cutoff time.Time) ([]*domain.CartRecord, error) {
	filter := bson.M{
		"status":           domain.StatusActive,
		"last_activity_at": bson.M{"$lt": cutoff},
		"customer_email":   bson.M{"$exists": true, "$ne": ""},
		"$or": bson.A{
			bson.M{"cart_total": bson.M{"$gt": 0}},
			bson.M{"lines": bson.M{"$elemMatch": bson.M{"quantity": bson.M{"$gt": 0}}}},
		},
	}
	return m.findAll(ctx, filter)
}

func (m *mongoStore) MarkAbandoned(ctx context.Context, id string, abandonedAt time.Time) (bool, error) {
	filter := bson.M{"_id": id, "status": domain.StatusActive}
	update := bson.M{
		"$set": bson.M{
			"status":       domain.StatusAbandoned,
			"abandoned_at": abandonedAt,
			"updated_at":   time.Now().UTC(),
		},
		// Reset the reminder clock for this abandonment episode.
		"$unset": bson.M{
			"first_reminder_sent_at":    "",
			"second_reminder_sent_at":   "",
			"final_reminder_sent_at":    "",
			"final_discount_code":       "",
			"final_discount_expires_at": "",
		},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark abandoned: %w", err)
	}
	return result.MatchedCount > 0, nil
}

func (m *mongoStore) FindStageCandidates(ctx context.Context, stage int, dueBefore time.Time) ([]*domain.CartRecord, error) {
	filter := bson.M{
		"status":         bson.M{"$ne": domain.StatusRecovered},
		"reminder_stage": stage - 1,
		"customer_email": bson.M{"$exists": true, "$ne": ""},
	}
	if stage == domain.FirstReminderStage {
		filter["abandoned_at"] = bson.M{"$lte": dueBefore}
	} else {
		// Re-abandonment unsets the sent timestamps while the stage stays
		// monotone; such carts gate from the new abandoned_at so the
		// reminder clock restarts instead of stranding them.
		prevField := reminderField(stage - 1)
		filter["$or"] = bson.A{
			bson.M{prevField: bson.M{"$lte": dueBefore}},
			bson.M{prevField: bson.M{"$exists": false}, "abandoned_at": bson.M{"$lte": dueBefore}},
		}
	}
	return m.findAll(ctx, filter)
}

func (m *mongoStore) AdvanceReminderStage(ctx context.Context, id string, stage int, sentAt time.Time, discountCode string, discountExpiresAt *time.Time) (bool, error) {
	field := reminderField(stage)
	if field == "" {
		return false, fmt.Errorf("invalid reminder stage %d", stage)
	}

	filter := bson.M{
		"_id":            id,
		"status":         bson.M{"$ne": domain.StatusRecovered},
		"reminder_stage": stage - 1,
	}
	set := bson.M{
		"reminder_stage": stage,
		field:            sentAt,
		"updated_at":     time.Now().UTC(),
	}
	if discountCode != "" {
		set["final_discount_code"] = discountCode
		set["final_discount_expires_at"] = discountExpiresAt
	}

	result, err := m.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("failed to advance reminder stage: %w", err)
	}
	return result.MatchedCount > 0, nil
}

func (m *mongoStore) MarkRecovered(ctx context.Context, ownerKey, orderID string) (*domain.CartRecord, error) {
	filter := ownerFilter(ownerKey)
	filter["status"] = bson.M{"$ne": domain.StatusRecovered}
	update := bson.M{"$set": bson.M{
		"status":             domain.StatusRecovered,
		"recovered_order_id": orderID,
		"updated_at":         time.Now().UTC(),
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var cart domain.CartRecord
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to mark recovered: %w", err)
	}
	return &cart, nil
}

func (m *mongoStore) findAll(ctx context.Context, filter bson.M) ([]*domain.CartRecord, error) {
	cursor, err := m.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.CartRecord
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}
	return carts, nil
}

func (m *mongoStore) CreateIndexes(ctx context.Context) error {
	// The owner-key indexes are unique only over live records: upsert alone
	// does not stop two racing first writes from both inserting, and a
	// recovered cart must keep its keys while a fresh record takes them
	// over. Partial filters cannot express $ne, hence the $in form.
	liveStatus := bson.M{"$in": bson.A{domain.StatusActive, domain.StatusAbandoned}}
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"session_id": bson.M{"$exists": true},
				"status":     liveStatus,
			}),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"user_id": bson.M{"$exists": true},
				"status":  liveStatus,
			}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_activity_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "reminder_stage", Value: 1}}},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
