package slurm

import (
	"bytes"
	_ "embed"
	"text/template"
)

//go:embed templates/sbatch.sh.tmpl
var sbatchTemplateSource string

var sbatchTemplate = template.Must(template.New("sbatch").Parse(sbatchTemplateSource))

// taskSpec is one Slurm array task's worth of experiment IDs, the unit
// the rendered script's `case $SLURM_ARRAY_TASK_ID in` statement dispatches
// on.
type taskSpec struct {
	TaskIndex int
	ExpIDs    []int64
}

// sbatchTemplateData is the field set spec §6 names for the sbatch
// script template: {sbatch_options, working_dir, use_conda_env, conda_env,
// exp_ids, with_sources, db_collection_name, prepare_args, tmp_directory,
// setup_command, end_command}.
type sbatchTemplateData struct {
	SbatchOptions    map[string]string
	WorkingDir       string
	UseCondaEnv      bool
	CondaEnv         string
	Tasks            []taskSpec
	WithSources      bool
	DBCollectionName string
	PrepareArgs      string
	TmpDirectory     string
	SetupCommand     string
	EndCommand       string
}

// renderSbatchScript executes the embedded sbatch template (grounded on
// virtengine-virtengine's text/template-based batch script generators)
// against data and returns the script body.
func renderSbatchScript(data sbatchTemplateData) (string, error) {
	var buf bytes.Buffer
	if err := sbatchTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
