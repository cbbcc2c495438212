package prepare

import (
	"os"
	"strconv"
)

// RankPolicy answers the two questions the Preparation Hook needs about
// its place inside a multi-process Slurm task: is this process the one
// per node that should restore sources, and is it the single process
// across the whole task that should write to the database and print the
// command. Spec §9 asks for this to be an explicit policy object rather
// than scattered rank-environment-variable checks.
type RankPolicy interface {
	IsLocalMain() bool
	IsGlobalMain() bool
	IsMultiProcess() bool
}

// envRankPolicy derives rank from the launcher's environment variables
// (SLURM_LOCALID, SLURM_PROCID, SLURM_NTASKS). Absent variables default to
// "the only process", so a single-process task is trivially both local and
// global main.
type envRankPolicy struct {
	localID int
	procID  int
	ntasks  int
}

// NewRankPolicyFromEnv builds the policy object from the current process
// environment.
func NewRankPolicyFromEnv() RankPolicy {
	return envRankPolicy{
		localID: envInt("SLURM_LOCALID", 0),
		procID:  envInt("SLURM_PROCID", 0),
		ntasks:  envInt("SLURM_NTASKS", 1),
	}
}

func (r envRankPolicy) IsLocalMain() bool   { return r.localID == 0 }
func (r envRankPolicy) IsGlobalMain() bool  { return r.procID == 0 }
func (r envRankPolicy) IsMultiProcess() bool { return r.ntasks > 1 }

func envInt(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
