package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/pkgchunk/layers"
)

// ProgressTracker reports stage and layer progress on the diagnostic log.
type ProgressTracker struct {
	mutex       sync.Mutex
	logger      *logrus.Entry
	stages      map[string]*StageProgress
	order       []string
	layersTotal int
	layersDone  int
}

// StageProgress represents progress for a single build stage
type StageProgress struct {
	Name      string        `json:"name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`
	Status    StageStatus   `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// StageStatus represents the status of a build stage
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(logger *logrus.Entry) *ProgressTracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ProgressTracker{
		logger: logger,
		stages: make(map[string]*StageProgress),
	}
}

func (p *ProgressTracker) StartStage(name string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.stages[name]; !exists {
		p.order = append(p.order, name)
	}
	p.stages[name] = &StageProgress{
		Name:      name,
		StartTime: time.Now(),
		Status:    StageStatusRunning,
	}
	p.logger.WithField("stage", name).Debug("Starting stage")
}

func (p *ProgressTracker) EndStage(name string, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.stages[name]
	if !exists {
		return
	}
	now := time.Now()
	stage.EndTime = &now
	stage.Duration = now.Sub(stage.StartTime)

	fields := logrus.Fields{"stage": name, "duration": stage.Duration.Round(time.Millisecond).String()}
	if err != nil {
		stage.Status = StageStatusFailed
		stage.Error = err.Error()
		p.logger.WithFields(fields).Debug("Stage failed")
		return
	}
	stage.Status = StageStatusCompleted
	p.logger.WithFields(fields).Info("Stage completed")
}

// SetLayerTotal sets the number of layers expected by the pack stage.
func (p *ProgressTracker) SetLayerTotal(n int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.layersTotal = n
	p.layersDone = 0
}

func (p *ProgressTracker) LayerPacked(layer *layers.Layer) {
	p.mutex.Lock()
	p.layersDone++
	done, total := p.layersDone, p.layersTotal
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"layer":        layer.Name,
		"index":        layer.Index,
		"files":        layer.Files,
		"size":         humanize.IBytes(uint64(layer.Size)),
		"uncompressed": humanize.IBytes(uint64(layer.UncompressedSize)),
	}).Info(fmt.Sprintf("Packed layer %d/%d", done, total))
}

// GetStageProgress returns a copy of the stage's progress, or nil.
func (p *ProgressTracker) GetStageProgress(name string) *StageProgress {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.stages[name]
	if !exists {
		return nil
	}
	copied := *stage
	return &copied
}

// Stages returns all stages in the order they started.
func (p *ProgressTracker) Stages() []StageProgress {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	out := make([]StageProgress, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.stages[name])
	}
	return out
}
