package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all task runner instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	TasksStarted       metric.Int64Counter
	TasksFinished      metric.Int64Counter
	ActiveTasks        metric.Int64UpDownCounter
	PermissionWait     metric.Float64Histogram
	PermissionDecision metric.Int64Counter
	DatastoreDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("powblocs.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("powblocs.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("powblocs.task.started",
		metric.WithDescription("Tasks accepted by the runner"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("powblocs.task.finished",
		metric.WithDescription("Tasks that reached a terminal state, by state"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("powblocs.task.active",
		metric.WithDescription("Number of tasks with a live worker"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionWait, err = meter.Float64Histogram("powblocs.permission.wait",
		metric.WithDescription("Time a task spent awaiting a permission decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDecision, err = meter.Int64Counter("powblocs.permission.decisions",
		metric.WithDescription("Permission decisions, by response"),
	)
	if err != nil {
		return nil, err
	}

	m.DatastoreDuration, err = meter.Float64Histogram("powblocs.datastore.duration",
		metric.WithDescription("Data store statement duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
