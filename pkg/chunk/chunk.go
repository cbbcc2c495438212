// Package chunk is the Chunker / Array Batcher (spec §4.4): it partitions
// a list of pending experiments into arrays (one array = one sbatch
// submission) of chunks (one chunk = one Slurm array task), respecting
// per-batch homogeneity.
package chunk

import "github.com/seml-project/seml/pkg/experiment"

// Chunk is a contiguous group of at most ExperimentsPerJob experiments
// from one batch; it corresponds to one Slurm array task.
type Chunk []experiment.Experiment

// Array is all chunks of one batch, to be submitted as a single
// `sbatch --array=...`.
type Array struct {
	BatchID int64
	Chunks  []Chunk
}

// Build groups exps by BatchID, preserving order of appearance within each
// batch, then splits each batch's experiments into chunks of size
// batch.Slurm.ExperimentsPerJob (the last chunk in a batch may be short).
// Every experiment in a batch must carry the same ExperimentsPerJob (spec
// §3 invariant 3); Build uses the value from the first experiment seen in
// each batch.
//
// Chunk boundaries never cross batches and each chunk has at most
// ExperimentsPerJob elements (spec §8 property 3).
func Build(exps []experiment.Experiment) []Array {
	order := make([]int64, 0)
	byBatch := make(map[int64][]experiment.Experiment)

	for _, e := range exps {
		if _, seen := byBatch[e.BatchID]; !seen {
			order = append(order, e.BatchID)
		}
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e)
	}

	arrays := make([]Array, 0, len(order))
	for _, batchID := range order {
		batchExps := byBatch[batchID]
		size := batchExps[0].Slurm.ExperimentsPerJob
		if size < 1 {
			size = 1
		}
		arrays = append(arrays, Array{BatchID: batchID, Chunks: splitInto(batchExps, size)})
	}
	return arrays
}

// splitInto groups exps into consecutive chunks of at most size elements.
func splitInto(exps []experiment.Experiment, size int) []Chunk {
	var chunks []Chunk
	for i := 0; i < len(exps); i += size {
		end := i + size
		if end > len(exps) {
			end = len(exps)
		}
		chunks = append(chunks, Chunk(exps[i:end]))
	}
	return chunks
}

// Flatten reconstructs the full experiment list from a set of arrays, in
// (array, chunk, experiment) order — used by the chunking-law test to
// check that flattening recovers the original grouping.
func Flatten(arrays []Array) []experiment.Experiment {
	var out []experiment.Experiment
	for _, a := range arrays {
		for _, c := range a.Chunks {
			out = append(out, c...)
		}
	}
	return out
}
