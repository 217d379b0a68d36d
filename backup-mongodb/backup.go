package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// errStopRequested signals that the operator set the stop flag in the
// config. It is an orderly halt, not a failure: connections are closed and
// the process exits with a success status.
var errStopRequested = errors.New("stopped by operator request")

// writePolicy controls how bulk-write failures are handled during a flush.
type writePolicy string

const (
	// writePolicySuppress logs bulk-write errors and keeps going. Duplicate
	// keys and similar per-document failures are expected on reruns and
	// resumes, so aborting the whole pass on them would make resumption
	// impossible. This is the historical default and gives at-least-once,
	// best-effort semantics.
	writePolicySuppress writePolicy = "suppress"
	// writePolicyFailFast aborts the pass on the first bulk-write error.
	writePolicyFailFast writePolicy = "fail_fast"
)

func (p writePolicy) validate() error {
	switch p {
	case "", writePolicySuppress, writePolicyFailFast:
		return nil
	default:
		return fmt.Errorf("invalid write_policy %q (want %q or %q)", p, writePolicySuppress, writePolicyFailFast)
	}
}

// documentCursor is a forward iterator over source documents.
type documentCursor interface {
	Next(ctx context.Context) bool
	// Document returns a copy of the current document that remains valid
	// after the next call to Next.
	Document() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// documentSource opens cursors over a source collection.
type documentSource interface {
	Name() string
	EstimatedCount(ctx context.Context) (int64, error)
	Find(ctx context.Context, cond resumeCondition) (documentCursor, error)
}

// documentSink receives copied batches for a destination collection.
type documentSink interface {
	Name() string
	EstimatedCount(ctx context.Context) (int64, error)
	// InsertMany bulk-writes the batch unordered, so one bad document does
	// not prevent the rest of the batch from being written.
	InsertMany(ctx context.Context, docs []bson.Raw) error
}

// checkpointRecorder is the slice of checkpointStore the copier needs.
type checkpointRecorder interface {
	Load() (map[string]string, error)
	RecordLastWritten(collection, key string) error
}

// collectionCopier copies one source collection into a destination
// collection in checkpointed, rate-governed batches. One invocation of Run
// is a single sequential pass: resolve the resume condition, stream matching
// documents into a bounded batch, and flush each full batch plus the final
// partial one.
type collectionCopier struct {
	source      documentSource
	dest        documentSink
	strategy    *resumeStrategy
	checkpoints checkpointRecorder
	governor    *rateGovernor

	// reloadConfig is called before the pass and after every flush so that
	// rate changes and the stop flag are observed mid-run.
	reloadConfig func() (config, error)
	policy       writePolicy

	batchBound int
	batch      []bson.Raw
	docsCopied int
	flushes    int

	now func() time.Time
}

func newCollectionCopier(
	source documentSource,
	dest documentSink,
	strategy *resumeStrategy,
	checkpoints checkpointRecorder,
	governor *rateGovernor,
	reloadConfig func() (config, error),
	policy writePolicy,
) *collectionCopier {
	return &collectionCopier{
		source:       source,
		dest:         dest,
		strategy:     strategy,
		checkpoints:  checkpoints,
		governor:     governor,
		reloadConfig: reloadConfig,
		policy:       policy,
		now:          time.Now,
	}
}

// Run copies all documents selected by the collection's resume condition.
// It returns errStopRequested when the operator sets the stop flag, which
// callers must treat as a graceful outcome.
func (c *collectionCopier) Run(ctx context.Context) error {
	cfg, err := c.reloadConfig()
	if err != nil {
		return err
	}
	if cfg.Stop {
		return errStopRequested
	}
	c.batchBound = cfg.Rate

	progress, err := c.checkpoints.Load()
	if err != nil {
		return err
	}

	cond, err := resolveResumeCondition(c.strategy, progress[c.dest.Name()], c.now())
	if err != nil {
		return fmt.Errorf("resolving resume condition for %s: %w", c.dest.Name(), err)
	}

	logEntry := log.WithFields(log.Fields{
		"source":      c.source.Name(),
		"destination": c.dest.Name(),
	})
	// Counts are metadata estimates in the interest of speed; a precise
	// count would scan the whole collection.
	if n, err := c.source.EstimatedCount(ctx); err != nil {
		logEntry.WithError(err).Info("could not estimate source document count")
	} else {
		logEntry = logEntry.WithField("estimatedSourceDocs", n)
	}
	if n, err := c.dest.EstimatedCount(ctx); err != nil {
		logEntry.WithError(err).Info("could not estimate destination document count")
	} else {
		logEntry = logEntry.WithField("estimatedDestinationDocs", n)
	}
	logEntry.WithFields(log.Fields{
		"condition": cond.String(),
		"rate":      c.batchBound,
	}).Info("starting collection backup")

	cursor, err := c.source.Find(ctx, cond)
	if err != nil {
		return fmt.Errorf("opening cursor on %s: %w", c.source.Name(), err)
	}
	defer cursor.Close(ctx)

	c.governor.reset()

	for cursor.Next(ctx) {
		c.batch = append(c.batch, cursor.Document())
		if len(c.batch) >= c.batchBound {
			if err := c.flush(ctx, logEntry); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		// A mid-stream cursor failure must not look like a completed scan.
		return fmt.Errorf("cursor on %s: %w", c.source.Name(), err)
	}

	if len(c.batch) > 0 {
		if err := c.flush(ctx, logEntry); err != nil {
			return err
		}
	}

	logEntry.WithFields(log.Fields{
		"docs":    c.docsCopied,
		"flushes": c.flushes,
	}).Info("finished collection backup")

	return nil
}

// flush bulk-writes the accumulated batch, advances the checkpoint to the
// last attempted document, applies the rate governor and re-reads the
// config. Note that under the suppress policy the checkpoint reflects
// "attempted up to", not "confirmed written up to": a batch whose write
// failed still advances it. Operators depend on this at-least-once contract.
func (c *collectionCopier) flush(ctx context.Context, logEntry *log.Entry) error {
	if len(c.batch) == 0 {
		return nil
	}
	start := c.now()

	if err := c.dest.InsertMany(ctx, c.batch); err != nil {
		if c.policy == writePolicyFailFast {
			return fmt.Errorf("bulk writing %d documents to %s: %w", len(c.batch), c.dest.Name(), err)
		}
		logEntry.WithError(err).WithField("batchSize", len(c.batch)).Warn("bulk write error suppressed")
	}

	key, err := documentKey(c.batch[len(c.batch)-1])
	if err != nil {
		return err
	}
	if err := c.checkpoints.RecordLastWritten(c.dest.Name(), key); err != nil {
		return err
	}

	c.docsCopied += len(c.batch)
	c.flushes++

	logEntry.WithFields(log.Fields{
		"batchSize": len(c.batch),
		"lastKey":   key,
		"took":      c.now().Sub(start).String(),
	}).Info("flushed batch")

	c.batch = c.batch[:0]

	if err := c.governor.throttle(ctx); err != nil {
		return err
	}

	cfg, err := c.reloadConfig()
	if err != nil {
		return err
	}
	if cfg.Stop {
		return errStopRequested
	}
	c.batchBound = cfg.Rate

	return nil
}

// documentKey renders a document's _id as the string persisted in the
// progress file. ObjectIDs become their hex form, matching what the
// object_id resume strategy parses back.
func documentKey(doc bson.Raw) (string, error) {
	v, err := doc.LookupErr(idProperty)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", idProperty, err)
	}
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex(), nil
	}
	if s, ok := v.StringValueOK(); ok {
		return s, nil
	}
	return v.String(), nil
}
