// Package mongo stores accounts in a MongoDB collection with a unique index
// on email.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"ridehub.io/internal/auth"
)

const defaultCollection = "accounts"

var _ auth.AccountStore = (*Store)(nil)

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects to uri, selects database and ensures the email index exists.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	s := &Store{client: client, coll: client.Database(database).Collection(defaultCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("accounts_email_key"),
	})
	if err != nil {
		return fmt.Errorf("mongo create email index: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, readpref.Primary()) }

func (s *Store) Insert(ctx context.Context, acc *auth.Account) error {
	if _, err := s.coll.InsertOne(ctx, acc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return auth.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return s.findOne(ctx, bson.M{"email": email})
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*auth.Account, error) {
	var acc auth.Account
	if err := s.coll.FindOne(ctx, filter).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"password_hash": passwordHash,
		"updated_at":    time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate) (*auth.Account, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		set["name"] = *upd.Name
	}
	if upd.Phone != nil {
		set["phone"] = *upd.Phone
	}
	return s.findAndSet(ctx, id, set)
}

func (s *Store) SetKYC(ctx context.Context, id string, kyc auth.KYC) (*auth.Account, error) {
	return s.findAndSet(ctx, id, bson.M{"kyc": kyc, "updated_at": time.Now().UTC()})
}

func (s *Store) findAndSet(ctx context.Context, id string, set bson.M) (*auth.Account, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var acc auth.Account
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) List(ctx context.Context) ([]*auth.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var out []*auth.Account
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
