package engine

import "github.com/bibin-skaria/pkgchunk/layers"

// Pipeline stage names, in execution order.
const (
	StageScan     = "scan"
	StagePkgDB    = "pkgdb"
	StageGroup    = "group"
	StagePack     = "pack"
	StageAssemble = "assemble"
	StageExport   = "export"
)

// StageHook observes stage boundaries. Implementations must not influence
// the build output.
type StageHook interface {
	StartStage(name string)
	EndStage(name string, err error)
}

// LayerHook is optionally implemented by a StageHook that wants to see each
// layer as it is packed. Layers may arrive in any order.
type LayerHook interface {
	LayerPacked(layer *layers.Layer)
}

// Hooks fans stage events out to several hooks, ending them in reverse order.
type Hooks []StageHook

func (h Hooks) StartStage(name string) {
	for _, hook := range h {
		hook.StartStage(name)
	}
}

func (h Hooks) EndStage(name string, err error) {
	for i := len(h) - 1; i >= 0; i-- {
		h[i].EndStage(name, err)
	}
}

func (h Hooks) LayerPacked(layer *layers.Layer) {
	for _, hook := range h {
		if lh, ok := hook.(LayerHook); ok {
			lh.LayerPacked(layer)
		}
	}
}

// runStage runs fn between the hook's start and end events.
func runStage(hook StageHook, name string, fn func() error) error {
	hook.StartStage(name)
	err := fn()
	hook.EndStage(name, err)
	return err
}
