package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the fleet's metric instruments.
type Metrics struct {
	ActiveConnections metric.Int64UpDownCounter
	FramesDecoded     metric.Int64Counter
	DecodeFailures    metric.Int64Counter
	MessagesSent      metric.Int64Counter
	TaskBotsCompleted metric.Int64Counter
	TaskBotsFailed    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveConnections, err = meter.Int64UpDownCounter("clubfleet.connections.active",
		metric.WithDescription("Live bot connections"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDecoded, err = meter.Int64Counter("clubfleet.frames.decoded",
		metric.WithDescription("Inbound frames decoded into messages"),
	)
	if err != nil {
		return nil, err
	}

	m.DecodeFailures, err = meter.Int64Counter("clubfleet.frames.decode_failures",
		metric.WithDescription("Inbound frames that produced an empty message"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("clubfleet.messages.sent",
		metric.WithDescription("Outbound protocol envelopes sent"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskBotsCompleted, err = meter.Int64Counter("clubfleet.task.bots_completed",
		metric.WithDescription("Bots completed across task runs"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskBotsFailed, err = meter.Int64Counter("clubfleet.task.bots_failed",
		metric.WithDescription("Bots failed across task runs"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("clubfleet.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
