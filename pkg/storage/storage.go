// Package storage is the Storage Gateway (spec §4.1): the only component
// permitted to talk to the experiment collection. Every other component —
// the worker, the dispatcher, the preparation hook, the orchestrator —
// synchronizes exclusively through the typed operations exposed here.
package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
)

// SlurmTaskContext identifies the Slurm array task a caller of ClaimForRun
// is running inside, if any. A nil *SlurmTaskContext means the caller is a
// plain local worker (or a stealing one); ClaimForRun picks its CAS
// predicate based on this value rather than reading the environment
// itself, so the predicate choice stays an explicit, testable parameter.
type SlurmTaskContext struct {
	ArrayJobID  string
	ArrayTaskID int
}

// Gateway is the sole point of contact with the experiment collection.
type Gateway struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to MongoDB and returns a Gateway bound to the named
// collection within the configured database.
func New(ctx context.Context, cfg *config.Config, collectionName string) (*Gateway, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, errs.NewStorageError("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errs.NewStorageError("ping", err)
	}
	coll := client.Database(cfg.MongoDatabase).Collection(collectionName)
	return &Gateway{client: client, collection: coll}, nil
}

// Close disconnects the underlying Mongo client.
func (g *Gateway) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}

// Database returns the Mongo database backing this Gateway's collection, for
// collaborators (the Source Snapshot Store) that need the database handle
// itself rather than a single collection.
func (g *Gateway) Database() *mongo.Database {
	return g.collection.Database()
}

// Find returns every experiment document matching filter, sorted by _id
// ascending (the Chunker preserves this order of appearance within a
// batch).
func (g *Gateway) Find(ctx context.Context, filter bson.M) ([]experiment.Experiment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := g.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.NewStorageError("find", err)
	}
	defer cursor.Close(ctx)

	var out []experiment.Experiment
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errs.NewStorageError("find", err)
	}
	return out, nil
}

// FindLimited is Find with a result cap; limit <= 0 means unlimited, matching
// the original implementation's `limit=0` convention (spec §4.8).
func (g *Gateway) FindLimited(ctx context.Context, filter bson.M, limit int64) ([]experiment.Experiment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cursor, err := g.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.NewStorageError("find", err)
	}
	defer cursor.Close(ctx)

	var out []experiment.Experiment
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errs.NewStorageError("find", err)
	}
	return out, nil
}

// FindOne returns the single experiment matching filter, or ErrNotFound.
func (g *Gateway) FindOne(ctx context.Context, filter bson.M) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	err := g.collection.FindOne(ctx, filter).Decode(&exp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.NewStorageError("find_one", err)
	}
	return &exp, nil
}

// FindByID is a convenience wrapper used by the Preparation Hook to
// distinguish "does not exist" (exit 4) from "not claimable" (exit 3).
func (g *Gateway) FindByID(ctx context.Context, id int64) (*experiment.Experiment, error) {
	return g.FindOne(ctx, bson.M{"_id": id})
}

// Count returns the number of experiments matching filter.
func (g *Gateway) Count(ctx context.Context, filter bson.M) (int64, error) {
	n, err := g.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, errs.NewStorageError("count", err)
	}
	return n, nil
}

// ClaimForRun is the atomic compare-and-set described in spec §4.1.
//
// If unobserved, it returns the document unchanged (no mutation) — the
// Sacred run is not tracked, so nothing needs to become RUNNING.
//
// Otherwise it applies exactly one of two predicates, selected by whether
// slurmCtx is non-nil:
//
//   - Slurm-task context: id=X AND (status=PENDING OR (slurm.array_id=Job
//     AND slurm.task_id=Task)); sets status=RUNNING. Stale slurm.array_id/
//     task_id are left untouched — this is the in-task case, so they are
//     this task's own placement, not state to discard.
//   - Local/steal context: id=X AND status=PENDING; sets status=RUNNING
//     and clears slurm.array_id/task_id, so a worker that steals a
//     Slurm-dispatched experiment leaves no stale placement behind for the
//     eventual Preparation Hook call to misread.
//
// Returns ErrNotClaimable if no document matched the predicate (wrong
// status, or task/array mismatch); the caller is responsible for telling
// "not claimable" apart from "does not exist" if that distinction matters.
func (g *Gateway) ClaimForRun(ctx context.Context, id int64, unobserved bool, slurmCtx *SlurmTaskContext) (*experiment.Experiment, error) {
	if unobserved {
		return g.FindByID(ctx, id)
	}

	var filter bson.M
	var update bson.M
	now := time.Now().UTC()

	if slurmCtx != nil {
		filter = bson.M{
			"_id": id,
			"$or": []bson.M{
				{"status": string(experiment.StatusPending)},
				{
					"slurm.array_id": slurmCtx.ArrayJobID,
					"slurm.task_id":  slurmCtx.ArrayTaskID,
				},
			},
		}
		update = bson.M{"$set": bson.M{"status": string(experiment.StatusRunning), "updated_at": now}}
	} else {
		filter = bson.M{
			"_id":    id,
			"status": string(experiment.StatusPending),
		}
		update = bson.M{
			"$set":   bson.M{"status": string(experiment.StatusRunning), "updated_at": now},
			"$unset": bson.M{"slurm.array_id": "", "slurm.task_id": ""},
		}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var exp experiment.Experiment
	err := g.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&exp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotClaimable
	}
	if err != nil {
		return nil, errs.NewStorageError("claim_for_run", err)
	}
	return &exp, nil
}

// UpdateMany applies update to every document matching filter. Callers
// must never target a filter that could match a terminal-status document
// (invariant 4) — filters built by the orchestrator always narrow to
// STAGED or PENDING first.
func (g *Gateway) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := g.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, errs.NewStorageError("update_many", err)
	}
	return res.ModifiedCount, nil
}

// BulkOp is a single element of a BulkUpdate batch.
type BulkOp struct {
	Filter bson.M
	Update bson.M
}

// BulkUpdate executes a batch of independent updates in one round trip.
func (g *Gateway) BulkUpdate(ctx context.Context, ops []BulkOp) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(ops))
	for i, op := range ops {
		models[i] = mongo.NewUpdateOneModel().SetFilter(op.Filter).SetUpdate(op.Update)
	}
	if _, err := g.collection.BulkWrite(ctx, models); err != nil {
		return errs.NewStorageError("bulk_write", err)
	}
	return nil
}

// DispatchedOp builds the BulkOp SetDispatched and a Slurm Dispatcher's
// array submission both use to record one experiment's placement, so a
// whole array's worth of experiments can be written in a single
// BulkUpdate round trip instead of one UpdateOne per experiment.
func DispatchedOp(id int64, arrayID string, taskID int, sbatchOptions map[string]string, outputFile string) BulkOp {
	return BulkOp{
		Filter: bson.M{"_id": id},
		Update: bson.M{"$set": bson.M{
			"status":               string(experiment.StatusPending),
			"slurm.array_id":       arrayID,
			"slurm.task_id":        taskID,
			"slurm.sbatch_options": sbatchOptions,
			"seml.output_file":     outputFile,
			"updated_at":           time.Now().UTC(),
		}},
	}
}

// SetDispatched records the outcome of a Slurm submission on a single
// experiment: its array placement, the sbatch options actually used, and
// the output file path it will write to (spec §4.5 step 3).
func (g *Gateway) SetDispatched(ctx context.Context, id int64, arrayID string, taskID int, sbatchOptions map[string]string, outputFile string) error {
	return g.BulkUpdate(ctx, []BulkOp{DispatchedOp(id, arrayID, taskID, sbatchOptions, outputFile)})
}

// SetSlurmSelf records a worker's own Slurm allocation (SLURM_JOBID) when a
// Local Worker happens to be running inside an salloc/srun allocation,
// without touching status — unlike SetDispatched, the experiment is already
// RUNNING by the time this is called (spec §4.6.1 step 5).
func (g *Gateway) SetSlurmSelf(ctx context.Context, id int64, arrayID string, taskID int) error {
	update := bson.M{"$set": bson.M{
		"slurm.array_id": arrayID,
		"slurm.task_id":  taskID,
		"updated_at":     time.Now().UTC(),
	}}
	_, err := g.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return errs.NewStorageError("set_slurm_self", err)
	}
	return nil
}

// SetPending bulk-transitions every document matching filter to PENDING
// (spec §4.8's "set_to_pending" step). The filter must already be narrowed
// to STAGED documents by the caller.
func (g *Gateway) SetPending(ctx context.Context, filter bson.M) (int64, error) {
	update := bson.M{"$set": bson.M{"status": string(experiment.StatusPending), "updated_at": time.Now().UTC()}}
	return g.UpdateMany(ctx, filter, update)
}

// PersistCommand writes the resolved and unresolved command strings the
// Preparation Hook computed. Never called when unobserved (spec §4.7).
func (g *Gateway) PersistCommand(ctx context.Context, id int64, command, commandUnresolved, tempDir string) error {
	set := bson.M{
		"seml.command":            command,
		"seml.command_unresolved": commandUnresolved,
		"updated_at":              time.Now().UTC(),
	}
	if tempDir != "" {
		set["seml.temp_dir"] = tempDir
	}
	_, err := g.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return errs.NewStorageError("persist_command", err)
	}
	return nil
}

// PersistOutputFile records the output file path a Local Worker computed
// for a run (spec §4.6.1 step 3).
func (g *Gateway) PersistOutputFile(ctx context.Context, id int64, outputFile string) error {
	_, err := g.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"seml.output_file": outputFile,
		"updated_at":       time.Now().UTC(),
	}})
	if err != nil {
		return errs.NewStorageError("persist_output_file", err)
	}
	return nil
}

// ForceFailed overrides an experiment to FAILED when the worker itself
// detects an I/O failure writing the output file — the one documented
// exception to invariant 4, since Sacred never got to run (spec §4.6.1
// step 7, §7 "IOError on output file").
func (g *Gateway) ForceFailed(ctx context.Context, id int64) error {
	_, err := g.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     string(experiment.StatusFailed),
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return errs.NewStorageError("force_failed", err)
	}
	return nil
}
