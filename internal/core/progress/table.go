package progress

import (
	"errors"
	"fmt"
	"math"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// UnknownProgress is reported for stage names a table does not contain.
const UnknownProgress = 50

var (
	ErrEmptyTable      = errors.New("stage table is empty")
	ErrNotMonotonic    = errors.New("stage progress must strictly increase")
	ErrBadBounds       = errors.New("stage table must start at 0 and end at 100")
	ErrDuplicateStage  = errors.New("duplicate stage name")
	ErrBadFanOutStage  = errors.New("fan-out stage must exist and not be the last stage")
	ErrUnknownPipeline = errors.New("no stage table for pipeline")
)

// Stage names shared by the pipelines.
const (
	StagePending      = "pending"
	StageDownloading  = "downloading"
	StageExtracting   = "extracting"
	StageAnalyzing    = "analyzing"
	StageSplitting    = "splitting"
	StageTranscribing = "transcribing"
	StageProcessing   = "processing"
	StageStoring      = "storing"
	StageCompleted    = "completed"
)

// Stage is one row of a pipeline table.
type Stage struct {
	Name     string
	Progress int
}

// Table is the ordered stage configuration of one pipeline.
type Table struct {
	pipeline string
	stages   []Stage
	index    map[string]int
	fanOut   string
	unit     string
}

// NewTable validates stages and returns a table. fanOut may be empty; unit
// names the fan-out sub-unit in labels ("batch", "segment").
func NewTable(pipeline string, stages []Stage, fanOut, unit string) (*Table, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyTable
	}
	if stages[0].Progress != 0 || stages[len(stages)-1].Progress != 100 {
		return nil, fmt.Errorf("%s: %w", pipeline, ErrBadBounds)
	}
	idx := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, dup := idx[s.Name]; dup {
			return nil, fmt.Errorf("%s: %w: %q", pipeline, ErrDuplicateStage, s.Name)
		}
		if i > 0 && s.Progress <= stages[i-1].Progress {
			return nil, fmt.Errorf("%s: %w at %q", pipeline, ErrNotMonotonic, s.Name)
		}
		idx[s.Name] = i
	}
	if fanOut != "" {
		i, ok := idx[fanOut]
		if !ok || i == len(stages)-1 {
			return nil, fmt.Errorf("%s: %w: %q", pipeline, ErrBadFanOutStage, fanOut)
		}
	}
	return &Table{
		pipeline: pipeline,
		stages:   append([]Stage(nil), stages...),
		index:    idx,
		fanOut:   fanOut,
		unit:     unit,
	}, nil
}

func mustTable(pipeline string, stages []Stage, fanOut, unit string) *Table {
	t, err := NewTable(pipeline, stages, fanOut, unit)
	if err != nil {
		panic(err)
	}
	return t
}

// Pipeline returns the pipeline name.
func (t *Table) Pipeline() string { return t.pipeline }

// Stages returns a copy of the ordered rows.
func (t *Table) Stages() []Stage { return append([]Stage(nil), t.stages...) }

// FanOutStage returns the fan-out stage name, or "".
func (t *Table) FanOutStage() string { return t.fanOut }

// Compute resolves an event to a snapshot. It is a pure function of the table
// and the event.
func (t *Table) Compute(e Event) Snapshot {
	i, ok := t.index[e.Stage]
	if !ok {
		return Snapshot{Stage: e.Stage, Index: e.Index, Total: e.Total, Progress: UnknownProgress, Unknown: true}
	}
	snap := Snapshot{Stage: e.Stage, Progress: t.stages[i].Progress}
	if e.Kind == FanOut && e.Stage == t.fanOut && e.Total > 0 {
		start, end := t.stages[i].Progress, t.stages[i+1].Progress
		snap.Index, snap.Total = clampUnit(e.Index, e.Total), e.Total
		snap.Unit = t.unit
		snap.Progress = Interpolate(start, end, snap.Index, snap.Total)
	}
	return snap
}

// Interpolate returns start + (end-start)*(k-1)/n rounded to an integer, with
// k clamped to [1, n].
func Interpolate(start, end, k, n int) int {
	if n <= 0 {
		return start
	}
	k = clampUnit(k, n)
	v := float64(start) + float64(end-start)*float64(k-1)/float64(n)
	return int(math.Round(v))
}

func clampUnit(k, n int) int {
	if k < 1 {
		return 1
	}
	if k > n {
		return n
	}
	return k
}

// DocumentTable is the document pipeline.
func DocumentTable() *Table {
	return mustTable(string(models.CategoryDocument), []Stage{
		{StagePending, 0},
		{StageDownloading, 20},
		{StageExtracting, 70},
		{StageStoring, 95},
		{StageCompleted, 100},
	}, "", "")
}

// ImageTable is the image pipeline.
func ImageTable() *Table {
	return mustTable(string(models.CategoryImage), []Stage{
		{StagePending, 0},
		{StageDownloading, 20},
		{StageAnalyzing, 70},
		{StageStoring, 95},
		{StageCompleted, 100},
	}, "", "")
}

// AudioTable is the audio pipeline; transcription fans out over segments.
func AudioTable() *Table {
	return mustTable(string(models.CategoryAudio), []Stage{
		{StagePending, 0},
		{StageDownloading, 10},
		{StageSplitting, 15},
		{StageTranscribing, 20},
		{StageStoring, 95},
		{StageCompleted, 100},
	}, StageTranscribing, "segment")
}

// VideoTable is the video pipeline; processing fans out over batches.
func VideoTable() *Table {
	return mustTable(string(models.CategoryVideo), []Stage{
		{StagePending, 0},
		{StageDownloading, 10},
		{StageSplitting, 15},
		{StageProcessing, 20},
		{StageStoring, 95},
		{StageCompleted, 100},
	}, StageProcessing, "batch")
}

// Tables holds one table per pipeline.
type Tables map[models.Category]*Table

// DefaultTables returns the built-in table for every pipeline.
func DefaultTables() Tables {
	return Tables{
		models.CategoryDocument: DocumentTable(),
		models.CategoryImage:    ImageTable(),
		models.CategoryAudio:    AudioTable(),
		models.CategoryVideo:    VideoTable(),
	}
}

// For returns the table for c.
func (ts Tables) For(c models.Category) (*Table, error) {
	t, ok := ts[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, c)
	}
	return t, nil
}

// Describe renders a persisted stage for readers that do not know the
// job's pipeline. known is false when no table maps the stage.
func (ts Tables) Describe(stage string, index, total int) (label string, known bool) {
	for _, t := range ts {
		if _, ok := t.index[stage]; !ok {
			continue
		}
		known = true
		if stage == t.fanOut && total > 0 {
			return Snapshot{Stage: stage, Unit: t.unit, Index: index, Total: total}.Label(), true
		}
	}
	return stage, known
}
