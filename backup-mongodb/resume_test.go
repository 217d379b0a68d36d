package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestResolveNoStrategy(t *testing.T) {
	cond, err := resolveResumeCondition(nil, "", time.Now())
	require.NoError(t, err)
	require.Equal(t, conditionUnbounded, cond.kind)
	require.Equal(t, bson.D{}, cond.filter())
}

func TestResolveObjectIDFirstRun(t *testing.T) {
	strategy := &resumeStrategy{Method: methodObjectID}
	cond, err := resolveResumeCondition(strategy, "", time.Now())
	require.NoError(t, err)
	require.Equal(t, conditionUnbounded, cond.kind)
}

func TestResolveObjectIDResume(t *testing.T) {
	oid := primitive.NewObjectIDFromTimestamp(time.Unix(5000, 0))
	strategy := &resumeStrategy{Method: methodObjectID}

	cond, err := resolveResumeCondition(strategy, oid.Hex(), time.Now())
	require.NoError(t, err)
	require.Equal(t, conditionAfterID, cond.kind)
	require.Equal(t, oid, cond.afterID)
	require.Equal(t, bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: oid}}}}, cond.filter())
}

func TestResolveObjectIDInvalidCheckpoint(t *testing.T) {
	strategy := &resumeStrategy{Method: methodObjectID}
	_, err := resolveResumeCondition(strategy, "not-an-object-id", time.Now())
	require.Error(t, err)
}

func TestResolveMonotonicity(t *testing.T) {
	// The condition resolved from a checkpoint must be a strict $gt on
	// exactly that checkpoint, so no run re-selects a document at or below
	// the key recorded by the previous run.
	strategy := &resumeStrategy{Method: methodObjectID}

	var last primitive.ObjectID
	for ts := int64(1000); ts <= 1005; ts++ {
		checkpoint := primitive.NewObjectIDFromTimestamp(time.Unix(ts, 0))
		cond, err := resolveResumeCondition(strategy, checkpoint.Hex(), time.Now())
		require.NoError(t, err)
		require.Equal(t, checkpoint, cond.afterID)
		require.True(t, checkpoint.Hex() > last.Hex())
		last = checkpoint
	}
}

func TestResolveDateDelta(t *testing.T) {
	today, err := time.Parse("2006-01-02", "2024-06-10")
	require.NoError(t, err)

	// A 7 day window resolved on 2024-06-10 re-selects the full trailing
	// week regardless of any checkpoint.
	strategy := &resumeStrategy{Method: methodDateDelta, Unit: "days", Value: 7}
	cond, err := resolveResumeCondition(strategy, "ignored-checkpoint", today)
	require.NoError(t, err)
	require.Equal(t, conditionDateWindow, cond.kind)
	require.Equal(t, "2024-06-03", cond.since)
	require.Equal(t, "date", cond.dateField)
	require.Equal(t, bson.D{{Key: "date", Value: bson.D{{Key: "$gte", Value: "2024-06-03"}}}}, cond.filter())

	strategy = &resumeStrategy{Method: methodDateDelta, Unit: "weeks", Value: 2, Field: "created_at"}
	cond, err = resolveResumeCondition(strategy, "", today)
	require.NoError(t, err)
	require.Equal(t, "2024-05-27", cond.since)
	require.Equal(t, "created_at", cond.dateField)

	strategy = &resumeStrategy{Method: methodDateDelta, Unit: "months", Value: 1}
	cond, err = resolveResumeCondition(strategy, "", today)
	require.NoError(t, err)
	require.Equal(t, "2024-05-11", cond.since)
}

func TestWindowDeltaInvalid(t *testing.T) {
	_, err := windowDelta("fortnights", 1)
	require.Error(t, err)

	_, err = windowDelta("days", 0)
	require.Error(t, err)

	_, err = windowDelta("days", -3)
	require.Error(t, err)
}

func TestResolveInvalidMethod(t *testing.T) {
	strategy := &resumeStrategy{Method: "guesswork"}
	_, err := resolveResumeCondition(strategy, "", time.Now())
	require.Error(t, err)
}
