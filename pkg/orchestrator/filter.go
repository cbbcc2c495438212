package orchestrator

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/pkg/experiment"
)

// buildFilterDict merges the orchestrator's standard selectors (status
// restriction, batch ID, a single Sacred ID) with a caller-supplied custom
// filter, the latter taking precedence on key collision (spec §4.8).
func buildFilterDict(filterStates []experiment.Status, batchID *int64, userFilter bson.M, sacredID *int64) bson.M {
	filter := bson.M{}

	if len(filterStates) > 0 {
		statuses := make([]string, len(filterStates))
		for i, s := range filterStates {
			statuses[i] = string(s)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if batchID != nil {
		filter["batch_id"] = *batchID
	}
	if sacredID != nil {
		filter["_id"] = *sacredID
	}
	for k, v := range userFilter {
		filter[k] = v
	}
	return filter
}

// withStagedDefault returns filter unchanged if it already names "_id" or
// "status", otherwise returns a copy additionally restricted to STAGED
// (spec §4.8, "prepare_staged_experiments": an unconstrained filter means
// every STAGED experiment, not every experiment regardless of status).
func withStagedDefault(filter bson.M) bson.M {
	if _, ok := filter["_id"]; ok {
		return filter
	}
	if _, ok := filter["status"]; ok {
		return filter
	}
	out := make(bson.M, len(filter)+1)
	for k, v := range filter {
		out[k] = v
	}
	out["status"] = bson.M{"$in": []string{string(experiment.StatusStaged)}}
	return out
}
