package local

import (
	"context"
	"iter"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// Engine sequences the stages a job script declares.
type Engine struct {
	executor *Executor
	maxInput int
	logger   Logger
}

func NewEngine(executor *Executor, maxInput int, logger Logger) *Engine {
	return &Engine{executor: executor, maxInput: maxInput, logger: orNop(logger)}
}

// Run returns the job output lazily.
//
// With a reduce stage, map runs to completion and its output is sorted by key
// (and, with a combine stage, combined and sorted again) before reduce runs.
// Without one, the map output is the job output and combine never runs.
func (e *Engine) Run(ctx context.Context, d *Descriptor, input iter.Seq2[core.Record, error]) iter.Seq2[core.Record, error] {
	mapSpec := StageSpec{Stage: core.StageMap, MaxInput: e.maxInput}
	if !d.Has(core.StageReduce) {
		e.logger.Info("Running map-only job")
		return e.executor.Run(ctx, mapSpec, input)
	}

	return func(yield func(core.Record, error) bool) {
		records, err := e.runToCompletion(ctx, mapSpec, input)
		if err != nil {
			yield(core.Record{}, err)
			return
		}

		if d.Has(core.StageCombine) {
			core.SortRecords(records)
			records, err = e.runToCompletion(ctx, StageSpec{Stage: core.StageCombine}, core.Records(records))
			if err != nil {
				yield(core.Record{}, err)
				return
			}
		}

		core.SortRecords(records)
		e.logger.Info("Starting stage", "stage", core.StageReduce.String(), "input_records", len(records))
		for record, err := range e.executor.Run(ctx, StageSpec{Stage: core.StageReduce}, core.Records(records)) {
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

func (e *Engine) runToCompletion(ctx context.Context, spec StageSpec, input iter.Seq2[core.Record, error]) ([]core.Record, error) {
	e.logger.Info("Starting stage", "stage", spec.Stage.String())
	records, err := core.Collect(e.executor.Run(ctx, spec, input))
	if err != nil {
		e.logger.Error("Stage failed", "stage", spec.Stage.String(), "error", err)
		return nil, err
	}
	e.logger.Info("Completed stage", "stage", spec.Stage.String(), "output_records", len(records))
	return records, nil
}
