package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the console's metric instruments.
type Metrics struct {
	InvokeDuration metric.Float64Histogram
	InvokeErrors   metric.Int64Counter
	ConfigWrites   metric.Int64Counter
	BackupsPruned  metric.Int64Counter
	ProcessStarts  metric.Int64Counter
	ProcessCrashes metric.Int64Counter
	LogLines       metric.Int64Counter
	LogSubscribers metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvokeDuration, err = meter.Float64Histogram("clawdeck.invoke.duration",
		metric.WithDescription("Invoke command duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeErrors, err = meter.Int64Counter("clawdeck.invoke.errors",
		metric.WithDescription("Invoke commands that returned an error envelope"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfigWrites, err = meter.Int64Counter("clawdeck.config.writes",
		metric.WithDescription("Successful configuration document writes"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupsPruned, err = meter.Int64Counter("clawdeck.backups.pruned",
		metric.WithDescription("Backup files removed by retention"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessStarts, err = meter.Int64Counter("clawdeck.gateway.starts",
		metric.WithDescription("Gateway start operations"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessCrashes, err = meter.Int64Counter("clawdeck.gateway.crashes",
		metric.WithDescription("Unexpected gateway exits"),
	)
	if err != nil {
		return nil, err
	}

	m.LogLines, err = meter.Int64Counter("clawdeck.logs.lines",
		metric.WithDescription("Gateway output lines captured"),
	)
	if err != nil {
		return nil, err
	}

	m.LogSubscribers, err = meter.Int64UpDownCounter("clawdeck.logs.subscribers",
		metric.WithDescription("Live log stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
