package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Courtroom attribute keys.
var (
	AttrStage    = attribute.Key("clawtrial.stage")
	AttrIdentity = attribute.Key("clawtrial.identity")
	AttrOffense  = attribute.Key("clawtrial.offense")
	AttrGuilty   = attribute.Key("clawtrial.verdict.guilty")
	AttrOutcome  = attribute.Key("clawtrial.submission.outcome")
	AttrCaseID   = attribute.Key("clawtrial.case.id")
	AttrError    = attribute.Key("error.type")
)

// stageBuckets spans a fast memory lookup up to a full jury deadline.
var stageBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// instruments holds every courtroom metric. A nil *instruments records
// nothing.
type instruments struct {
	stages      metric.Int64Counter
	stageErrors metric.Int64Counter
	stageTime   metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter

	hearings    metric.Int64Counter
	verdicts    metric.Int64Counter
	submissions metric.Int64Counter
	hearingTime metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}

	counter(&in.stages, "clawtrial.operations.total", "Pipeline stages started", "{operation}")
	counter(&in.stageErrors, "clawtrial.errors.total", "Pipeline stages that failed", "{error}")
	counter(&in.hearings, "clawtrial.hearings.total", "Hearings convened", "{hearing}")
	counter(&in.verdicts, "clawtrial.verdicts.total", "Verdicts reached", "{verdict}")
	counter(&in.submissions, "clawtrial.submissions.total", "Case submission outcomes", "{submission}")
	if err != nil {
		return nil, err
	}

	if in.inFlight, err = m.Int64UpDownCounter("clawtrial.operations.active",
		metric.WithDescription("Pipeline stages in progress"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("clawtrial.operations.active: %w", err)
	}
	if in.stageTime, err = m.Float64Histogram("clawtrial.operation.duration",
		metric.WithDescription("Pipeline stage duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, fmt.Errorf("clawtrial.operation.duration: %w", err)
	}
	if in.hearingTime, err = m.Float64Histogram("clawtrial.hearing.duration",
		metric.WithDescription("Time from convening to verdict"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, fmt.Errorf("clawtrial.hearing.duration: %w", err)
	}
	return &in, nil
}

func (in *instruments) stageStarted(ctx context.Context, set metric.MeasurementOption) {
	if in == nil {
		return
	}
	in.stages.Add(ctx, 1, set)
	in.inFlight.Add(ctx, 1, set)
}

func (in *instruments) stageEnded(ctx context.Context, set metric.MeasurementOption, d time.Duration, err error) {
	if in == nil {
		return
	}
	in.inFlight.Add(ctx, -1, set)
	in.stageTime.Record(ctx, d.Seconds(), set)
	if err != nil {
		in.stageErrors.Add(ctx, 1, set, metric.WithAttributes(AttrError.String(fmt.Sprintf("%T", err))))
	}
}

// HearingAttrs labels a hearing span.
func HearingAttrs(identity, offense string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIdentity.String(identity),
		AttrOffense.String(offense),
	}
}

// RecordHearing counts a concluded hearing, its verdict and its duration.
func (p *Provider) RecordHearing(ctx context.Context, offense string, guilty bool, d time.Duration) {
	if p.inst == nil {
		return
	}
	byOffense := metric.WithAttributes(AttrOffense.String(offense))
	p.inst.hearings.Add(ctx, 1, byOffense)
	p.inst.verdicts.Add(ctx, 1, metric.WithAttributes(AttrOffense.String(offense), AttrGuilty.Bool(guilty)))
	p.inst.hearingTime.Record(ctx, d.Seconds(), byOffense)
}

// RecordSubmission counts a submission outcome. Provider satisfies
// submission.Recorder.
func (p *Provider) RecordSubmission(ctx context.Context, outcome string) {
	if p.inst == nil {
		return
	}
	p.inst.submissions.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}
