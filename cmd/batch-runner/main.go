// cmd/batch-runner/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"api-manager/internal/batch"
	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/observability"
	"api-manager/internal/models"
	"api-manager/internal/poller"
	"api-manager/internal/scheduler"
	"api-manager/internal/services"
)

// options are the parsed command line flags.
type options struct {
	configPath string
	operation  string
	date       string
	devices    []string
	device     string
	timeblocks []string
	pending    bool

	taskList   bool
	taskStatus string
	taskDelete string

	scheduleStatus string
	scheduleToggle string

	history  bool
	since    time.Duration
	failures bool

	files bool
	from  string
	to    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("batch-runner", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.configPath, "config", "", "config file (default: configs/config.yaml)")
	fs.StringVarP(&o.operation, "operation", "o", "", "operation name, e.g. vibe-scorer")
	fs.StringVarP(&o.date, "date", "d", "", "processing date YYYY-MM-DD (default: today)")
	fs.StringSliceVar(&o.devices, "devices", nil, "explicit device ids (default: discovered for --date)")
	fs.StringVar(&o.device, "device", "", "device id for time block operations and --files")
	fs.StringSliceVar(&o.timeblocks, "timeblocks", nil, "time blocks HH-MM (default: the whole day)")
	fs.BoolVar(&o.pending, "pending", false, "submit pending files of a file based operation")

	fs.BoolVar(&o.taskList, "task-list", false, "list async tasks of --operation")
	fs.StringVar(&o.taskStatus, "task-status", "", "show one async task")
	fs.StringVar(&o.taskDelete, "task-delete", "", "delete one async task")

	fs.StringVar(&o.scheduleStatus, "schedule-status", "", "show the schedule of an api")
	fs.StringVar(&o.scheduleToggle, "schedule-toggle", "", "enable or disable the schedule of an api")

	fs.BoolVar(&o.history, "history", false, "list recorded runs of --operation")
	fs.DurationVar(&o.since, "since", 24*time.Hour, "history window")
	fs.BoolVar(&o.failures, "failures", false, "list archived failures of --operation")

	fs.BoolVar(&o.files, "files", false, "list audio files created between --from and --to (optionally for --device)")
	fs.StringVar(&o.from, "from", "", "first day of --files, YYYY-MM-DD (default: --date or today)")
	fs.StringVar(&o.to, "to", "", "last day of --files, YYYY-MM-DD (default: --from)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	needsOperation := o.scheduleStatus == "" && o.scheduleToggle == "" && !o.files
	if needsOperation && o.operation == "" {
		return options{}, fmt.Errorf("--operation is required")
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// The first signal cancels the run; restore default handling so a
		// second one terminates the process.
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", errors.Message(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	zapLog := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	obs, err := observability.New("batch-runner")
	if err != nil {
		log.Warn("observability disabled", map[string]interface{}{"error": err.Error()})
		obs = nil
	} else {
		defer obs.Shutdown()
	}

	deps := connect(ctx, cfg, log)
	defer deps.Close()

	a := &app{
		cfg:    cfg,
		opts:   opts,
		deps:   deps,
		log:    log,
		obs:    obs,
		stdout: stdout,
	}
	return a.dispatch(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

type app struct {
	cfg    *config.Config
	opts   options
	deps   *stores
	log    logger.Logger
	obs    *observability.Observability
	stdout io.Writer
}

func (a *app) dispatch(ctx context.Context) error {
	switch {
	case a.opts.scheduleStatus != "":
		status, err := scheduler.NewClient(a.cfg.Scheduler, a.log).GetStatus(ctx, a.opts.scheduleStatus)
		if err != nil {
			return err
		}
		return a.print(status)
	case a.opts.scheduleToggle != "":
		status, err := scheduler.NewClient(a.cfg.Scheduler, a.log).Toggle(ctx, a.opts.scheduleToggle)
		if err != nil {
			return err
		}
		return a.print(status)
	case a.opts.history:
		return a.printHistory(ctx)
	case a.opts.failures:
		return a.printFailures(ctx)
	case a.opts.files:
		return a.printFiles(ctx)
	}

	runner := a.newRunner()
	svc, err := runner.Catalog().Get(a.opts.operation)
	if err != nil {
		return err
	}

	switch {
	case a.opts.taskList:
		out, err := svc.ListTasks(ctx)
		if err != nil {
			return err
		}
		return a.print(out)
	case a.opts.taskStatus != "":
		handle, err := svc.TaskStatus(ctx, a.opts.taskStatus)
		if err != nil {
			return err
		}
		return a.print(handle)
	case a.opts.taskDelete != "":
		out, err := svc.DeleteTask(ctx, a.opts.taskDelete)
		if err != nil {
			return err
		}
		return a.print(out)
	}

	date := a.opts.date
	if date == "" {
		date = time.Now().In(a.location()).Format("2006-01-02")
	}

	switch svc.Kind() {
	case config.KindFiles:
		if !a.opts.pending {
			return errors.NewValidationError(fmt.Sprintf("%s works on pending files; pass --pending to submit them", a.opts.operation))
		}
		result, err := runner.RunPendingFiles(ctx, a.opts.operation)
		if err != nil {
			return err
		}
		return a.print(result)
	case config.KindTimeblock:
		report, err := runner.RunTimeblocks(ctx, a.opts.operation, a.opts.device, date, a.opts.timeblocks, a.progress())
		if perr := a.print(report); perr != nil {
			return perr
		}
		return err
	default:
		report, err := runner.RunDevices(ctx, services.DeviceRequest{
			Operation: a.opts.operation,
			Date:      date,
			DeviceIDs: a.opts.devices,
		}, a.progress(), a.taskUpdates())
		if perr := a.print(report); perr != nil {
			return perr
		}
		return err
	}
}

func (a *app) newRunner() *services.Runner {
	p := poller.New(a.log,
		poller.WithInterval(config.GetDuration(a.cfg.Poller.Interval)),
		poller.WithPollTimeout(config.GetDuration(a.cfg.Poller.PollTimeout)),
	)

	deps := services.RunnerDeps{
		Catalog:      services.NewCatalog(a.cfg.Services, p, a.log),
		Orchestrator: batch.NewOrchestrator(a.log, a.obs),
		Batch:        a.cfg.Batch,
		Logger:       a.log,
	}
	// Assign only concrete, non-nil collaborators so the interfaces stay nil
	// when a store is not configured.
	if a.deps.audioFiles != nil {
		deps.Devices = a.deps.audioFiles
		deps.Files = a.deps.audioFiles
	}
	if a.deps.history != nil {
		deps.History = a.deps.history
	}
	if a.deps.archive != nil {
		deps.Archive = a.deps.archive
	}
	if a.deps.notifier != nil {
		deps.Notifier = a.deps.notifier
	}
	return services.NewRunner(deps)
}

// progress logs the orchestrator's per-entity progress.
func (a *app) progress() batch.ProgressFunc {
	return func(p models.Progress) {
		if p.Processing {
			a.log.Info("processing", map[string]interface{}{
				"entity":   p.Current(),
				"position": fmt.Sprintf("%d/%d", p.Index+1, len(p.EntityIDs)),
			})
		}
	}
}

func (a *app) taskUpdates() poller.UpdateFunc {
	return func(h models.TaskHandle) {
		fields := map[string]interface{}{"taskId": h.TaskID, "status": h.Status}
		if h.Progress != nil {
			fields["progress"] = *h.Progress
		}
		a.log.Info("task status", fields)
	}
}

func (a *app) printHistory(ctx context.Context) error {
	if a.deps.history == nil {
		return errors.NewValidationError("run history needs database.redis.address")
	}
	now := time.Now()
	reports, err := a.deps.history.Range(ctx, a.opts.operation, now.Add(-a.opts.since), now)
	if err != nil {
		return err
	}
	return a.print(reports)
}

func (a *app) printFailures(ctx context.Context) error {
	if a.deps.archive == nil {
		return errors.NewValidationError("outcome archive needs database.elasticsearch.addresses")
	}
	docs, err := a.deps.archive.Failures(ctx, a.opts.operation, 0)
	if err != nil {
		return err
	}
	return a.print(docs)
}

func (a *app) printFiles(ctx context.Context) error {
	if a.deps.audioFiles == nil {
		return errors.NewValidationError("file listing needs database.postgres.host")
	}
	from := a.opts.from
	if from == "" {
		from = a.opts.date
	}
	if from == "" {
		from = time.Now().In(a.location()).Format("2006-01-02")
	}
	start, end, err := dayRange(from, a.opts.to, a.location())
	if err != nil {
		return err
	}
	files, err := a.deps.audioFiles.FilesByDateRange(ctx, start, end, a.opts.device)
	if err != nil {
		return err
	}
	return a.print(files)
}

// dayRange spans from the start of the local day from to the last second of
// the local day to. An empty to means the single day from.
func dayRange(from, to string, loc *time.Location) (time.Time, time.Time, error) {
	if to == "" {
		to = from
	}
	start, err := time.ParseInLocation("2006-01-02", from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errors.NewValidationError(fmt.Sprintf("invalid --from %q, expected YYYY-MM-DD", from))
	}
	last, err := time.ParseInLocation("2006-01-02", to, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errors.NewValidationError(fmt.Sprintf("invalid --to %q, expected YYYY-MM-DD", to))
	}
	return start, last.AddDate(0, 0, 1).Add(-time.Second), nil
}

func (a *app) location() *time.Location {
	loc, err := time.LoadLocation(a.cfg.Batch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
