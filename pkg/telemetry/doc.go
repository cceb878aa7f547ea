// Package telemetry reports distbuild runs through structured logs,
// Prometheus metrics and OpenTelemetry traces.
//
// A Telemetry value is built from a Config and hands out an Observer that
// the dispatcher notifies while it runs:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	d := engine.NewDispatcher(engine.WithObserver(tel.Observer()))
//
// Metrics:
//
//	distbuild_tasks_total{outcome}           visited tasks
//	distbuild_phases_total{phase,status}     executed lifecycle phases
//	distbuild_phase_duration_seconds{phase}  phase durations
//	distbuild_runs_total{status}             finished runs
//	distbuild_run_duration_seconds           run durations
//	distbuild_stale_tasks                    stale tasks of the last run
//
// After a build the registry can be written in the node exporter textfile
// format (Metrics.WriteTextfile). Watch mode serves it over HTTP instead
// (Metrics.Serve).
//
// Traces have one span per run ("build.run"), one per task ("task <id>")
// and one per lifecycle phase ("phase <name>"). Exporters are stdout or
// OTLP over gRPC.
package telemetry
