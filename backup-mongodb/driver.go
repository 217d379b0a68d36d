package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	mongoDriver "go.mongodb.org/mongo-driver/x/mongo/driver"
)

// connect establishes a client and verifies it with a bounded ping.
// "Majority" read concern avoids copying source data that could still be
// rolled back, and snappy compression is widely supported and cheap.
// Transient connect failures are retried with exponential backoff; an
// authentication failure is reported immediately.
func connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetCompressors([]string{"snappy"}).
		SetReadConcern(readconcern.Majority())

	var client *mongo.Client
	op := func() error {
		var err error
		if client, err = mongo.Connect(ctx, opts); err != nil {
			return backoff.Permanent(err)
		}

		// Ping with a deadline: most connection problems otherwise hang in
		// the driver's internal retry loop instead of failing.
		pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
		defer pingCancel()

		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			client.Disconnect(ctx) // ignore error result

			var mongoErr mongoDriver.Error
			if errors.As(err, &mongoErr) && mongoErr.Code == 18 {
				return backoff.Permanent(fmt.Errorf(
					"authentication failed (check the username, password and authSource of the connection string): %w", err))
			}

			log.WithError(err).Warn("could not reach server, retrying")
			return err
		}

		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	return client, nil
}

// mongoSource reads documents from a source collection.
type mongoSource struct {
	collection *mongo.Collection
}

func (s *mongoSource) Name() string { return s.collection.Name() }

func (s *mongoSource) EstimatedCount(ctx context.Context) (int64, error) {
	return s.collection.EstimatedDocumentCount(ctx)
}

func (s *mongoSource) Find(ctx context.Context, cond resumeCondition) (documentCursor, error) {
	var opts *options.FindOptions
	if cond.kind == conditionDateWindow {
		// The window filter does not correlate with insertion order, so an
		// explicit _id sort keeps the checkpoint key meaningful.
		opts = options.Find().SetSort(bson.D{{Key: idProperty, Value: 1}})
	} else {
		// Natural order approximates insertion order, which is what the
		// object_id strategy needs. Hinting the always-present _id index
		// avoids a full collection scan without forcing a sort.
		opts = options.Find().SetHint(bson.M{idProperty: 1})
	}

	cursor, err := s.collection.Find(ctx, cond.filter(), opts)
	if err != nil {
		return nil, fmt.Errorf("collection.Find: %w", err)
	}

	return &mongoCursor{cursor: cursor}, nil
}

type mongoCursor struct {
	cursor *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cursor.Next(ctx) }

func (c *mongoCursor) Document() bson.Raw {
	// Current is only valid until the next call to Next, so take a copy.
	doc := make(bson.Raw, len(c.cursor.Current))
	copy(doc, c.cursor.Current)
	return doc
}

func (c *mongoCursor) Err() error { return c.cursor.Err() }

func (c *mongoCursor) Close(ctx context.Context) error { return c.cursor.Close(ctx) }

// mongoSink writes batches into a destination collection.
type mongoSink struct {
	collection *mongo.Collection
}

func (s *mongoSink) Name() string { return s.collection.Name() }

func (s *mongoSink) EstimatedCount(ctx context.Context) (int64, error) {
	return s.collection.EstimatedDocumentCount(ctx)
}

func (s *mongoSink) InsertMany(ctx context.Context, docs []bson.Raw) error {
	models := make([]interface{}, len(docs))
	for i, doc := range docs {
		models[i] = doc
	}

	_, err := s.collection.InsertMany(ctx, models, options.InsertMany().SetOrdered(false))
	return err
}
