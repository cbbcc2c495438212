// Package experiment defines the experiment document (spec §3): the single
// authoritative record every component of the dispatch engine reads and
// writes through the Storage Gateway.
package experiment

import "time"

// Status is the closed lifecycle enumeration an experiment document
// traverses. It replaces the ad-hoc status strings of the original
// implementation with a tagged variant so the pending-like and terminal
// partitions are explicit, named sets rather than scattered string
// comparisons.
type Status string

// Lifecycle states, in the order an experiment may pass through them.
const (
	StatusStaged      Status = "STAGED"
	StatusQueued      Status = "QUEUED"
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusKilled      Status = "KILLED"
)

// pendingLike holds the statuses the claim predicates and the orchestrator
// treat as eligible for dispatch or claiming.
var pendingLike = map[Status]struct{}{
	StatusPending: {},
}

// terminal holds the statuses the engine never rewrites (invariant 4).
var terminal = map[Status]struct{}{
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusInterrupted: {},
	StatusKilled:      {},
}

// IsPendingLike reports whether s is eligible to be claimed for a run.
func (s Status) IsPendingLike() bool {
	_, ok := pendingLike[s]
	return ok
}

// IsTerminal reports whether s is a permanent, externally-reset-only state.
func (s Status) IsTerminal() bool {
	_, ok := terminal[s]
	return ok
}

// Valid reports whether s is one of the eight defined lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusStaged, StatusQueued, StatusPending, StatusRunning,
		StatusCompleted, StatusFailed, StatusInterrupted, StatusKilled:
		return true
	default:
		return false
	}
}

// Config is a fully (or partially, in unresolved form) resolved parameter
// mapping: keys unique, values arbitrary scalars, lists, or nested maps.
type Config map[string]any

// Seml is the sub-record of engine-owned bookkeeping fields (spec §3).
type Seml struct {
	Executable        string   `bson:"executable"`
	WorkingDir        string   `bson:"working_dir"`
	CondaEnvironment  string   `bson:"conda_environment,omitempty"`
	OutputDir         string   `bson:"output_dir,omitempty"`
	SourceFiles       []string `bson:"source_files,omitempty"` // content hashes into the Source Snapshot Store
	Description       string   `bson:"description,omitempty"`
	Command           string   `bson:"command,omitempty"`
	CommandUnresolved string   `bson:"command_unresolved,omitempty"`
	OutputFile        string   `bson:"output_file,omitempty"`
	TempDir           string   `bson:"temp_dir,omitempty"`
}

// Slurm is the sub-record describing an experiment's Slurm scheduling
// options and, once dispatched, its array/task placement.
type Slurm struct {
	SbatchOptions       map[string]string `bson:"sbatch_options,omitempty"`
	ExperimentsPerJob   int               `bson:"experiments_per_job"`
	MaxSimultaneousJobs *int              `bson:"max_simultaneous_jobs,omitempty"`
	ArrayID             string            `bson:"array_id,omitempty"`
	TaskID              *int              `bson:"task_id,omitempty"`

	// OutputDir is a legacy, deprecated output-directory override kept for
	// backward compatibility with documents written before seml.output_dir
	// existed; get_output_dir_path's fallback gives seml.output_dir
	// precedence over this field (spec SUPPLEMENTED FEATURES).
	OutputDir string `bson:"output_dir,omitempty"`
}

// Dispatched reports whether this experiment has been handed to Slurm
// (invariant 2: array_id present while still PENDING means a task is
// queued or has not yet claimed it).
func (s Slurm) Dispatched() bool {
	return s.ArrayID != ""
}

// Reset clears the Slurm placement fields, as a stealing worker or an
// explicit cancellation must do before it may set RUNNING (spec §4.1,
// §5 "steal safety").
func (s *Slurm) Reset() {
	s.ArrayID = ""
	s.TaskID = nil
}

// Experiment is the single authoritative record (spec §3).
type Experiment struct {
	ID               int64     `bson:"_id"`
	BatchID          int64     `bson:"batch_id"`
	Status           Status    `bson:"status"`
	Config           Config    `bson:"config"`
	ConfigUnresolved Config    `bson:"config_unresolved,omitempty"`
	Seml             Seml      `bson:"seml"`
	Slurm            Slurm     `bson:"slurm"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

// EffectiveConfig returns ConfigUnresolved if present, otherwise Config —
// the fallback the Command Materializer uses in unresolved mode (spec §4.3
// step 1).
func (e Experiment) EffectiveConfig() Config {
	if e.ConfigUnresolved != nil {
		return e.ConfigUnresolved
	}
	return e.Config
}
