package molecule

import (
	"strconv"
	"time"
)

func errorLabel(err error) string {
	if merr := AsError(err); merr != nil {
		if merr.Type != "" {
			return merr.Type
		}
		return merr.Name
	}
	return "unknown"
}

// MetricsMiddleware counts calls and errors and samples their latency.
func MetricsMiddleware(b *Broker) Middleware {
	wrap := func(next Handler, def *ActionDef) Handler {
		static := withLabels(
			b.config.metricLabels,
			LabelAction.M(def.Name),
			LabelLocal.M(strconv.FormatBool(!def.Remote)),
		)
		return func(ctx *Context) (any, error) {
			start := time.Now()
			labels := withLabels(static, LabelCaller.M(ctx.Caller))
			b.msink.IncrCounterWithLabels(MetricRequestTotal, 1, labels)

			res, err := next(ctx)

			b.msink.AddSampleWithLabels(MetricRequestDuration, float32(time.Since(start).Milliseconds()), labels)
			if err != nil {
				b.msink.IncrCounterWithLabels(
					MetricRequestErrorTotal,
					1,
					withLabels(labels, LabelError.M(errorLabel(err))),
				)
			}
			return res, err
		}
	}

	return Middleware{
		Name:         "Metrics",
		LocalAction:  wrap,
		RemoteAction: wrap,
		LocalEvent: func(next EventHandler, def *EventDef) EventHandler {
			labels := withLabels(
				b.config.metricLabels,
				LabelEvent.M(def.Name),
				LabelGroup.M(def.Group),
			)
			return func(ctx *Context) error {
				b.msink.IncrCounterWithLabels(MetricEventTotal, 1, labels)
				err := next(ctx)
				if err != nil {
					b.msink.IncrCounterWithLabels(
						MetricEventErrorTotal,
						1,
						withLabels(labels, LabelError.M(errorLabel(err))),
					)
				}
				return err
			}
		},
	}
}
