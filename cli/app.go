// Package cli implements the coldbrew command line interface.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/engine"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/monitor"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/recovery"
	"github.com/coffeebreak/coldbrew/schedule"
	"github.com/coffeebreak/coldbrew/secrets"
	"github.com/coffeebreak/coldbrew/services"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
	"github.com/coffeebreak/coldbrew/store/localfs"
	"github.com/coffeebreak/coldbrew/store/rsync"
	"github.com/coffeebreak/coldbrew/store/s3"
	"github.com/coffeebreak/coldbrew/store/sftp"
	"github.com/coffeebreak/coldbrew/verify"
)

const defaultConfigPath = "/etc/coldbrew/config.json"

// App is the command line application.
type App struct {
	app *kingpin.Application

	configPath *string
	logLevel   *string

	backupKind *string

	scheduleListen *string

	recoverListCmd  *kingpin.CmdClause
	recoverListKind *string

	recoverKindCmd      *kingpin.CmdClause
	recoverKindArg      *string
	recoverKindSelector *string

	recoverFullCmd       *kingpin.CmdClause
	recoverFullSelector  *string
	recoverFullEmergency *bool

	backupCmd   *kingpin.CmdClause
	scheduleCmd *kingpin.CmdClause

	stdin  io.Reader
	stdout io.Writer
}

// NewApp registers all commands and flags.
func NewApp() *App {
	a := &App{
		app:    kingpin.New("coldbrew", "Backup and disaster recovery for CoffeeBreak deployments."),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}

	a.configPath = a.app.Flag("config", "Configuration file path.").Default(defaultConfigPath).String()
	a.logLevel = a.app.Flag("log-level", "Log level.").Default("info").Enum("debug", "info", "warn", "error")

	a.backupCmd = a.app.Command("backup", "Run a backup, verification, monitoring pass or retention cleanup.")
	a.backupKind = a.backupCmd.Arg("kind", "What to run.").Required().
		Enum(schedule.KindIncremental, schedule.KindFull, schedule.KindVerify, schedule.KindMonitor, schedule.KindCleanup)

	a.scheduleCmd = a.app.Command("schedule", "Run the scheduler in the foreground, triggering all configured cadences.")
	a.scheduleListen = a.scheduleCmd.Flag("listen", "Metrics listen address.").Default(":9842").String()

	recoverCmd := a.app.Command("recover", "Restore from backup.")

	a.recoverListCmd = recoverCmd.Command("list", "List restorable backups.")
	a.recoverListKind = a.recoverListCmd.Arg("kind", "Source kind to list (all when omitted).").String()

	a.recoverFullCmd = recoverCmd.Command("full", "Full system recovery: configs, files, postgres, mongo.")
	a.recoverFullSelector = a.recoverFullCmd.Arg("id", "Backup id or 'latest'.").Default(recovery.SelectorLatest).String()
	a.recoverFullEmergency = a.recoverFullCmd.Flag("emergency", "Unattended recovery. Requires typing YES once.").Bool()

	a.recoverKindCmd = recoverCmd.Command("kind", "Restore a single source kind.").Default()
	a.recoverKindArg = a.recoverKindCmd.Arg("source", "Source kind.").Required().
		Enum(string(source.KindConfigs), string(source.KindFiles), string(source.KindPostgres), string(source.KindMongo))
	a.recoverKindSelector = a.recoverKindCmd.Arg("id", "Backup id or 'latest'.").Default(recovery.SelectorLatest).String()

	return a
}

// Run parses the arguments and executes the selected command, returning the
// process exit code: zero on success, otherwise the number of failures.
func (a *App) Run(ctx context.Context, args []string) int {
	cmd, err := a.app.Parse(args)
	if err != nil {
		fmt.Fprintln(a.stdout, color.RedString("error: %v", err))
		return 1
	}

	ctx = a.setupLogging(ctx)

	cfg, err := config.Load(*a.configPath)
	if err != nil {
		fmt.Fprintln(a.stdout, color.RedString("error: %v", err))
		return 1
	}

	failures, err := a.dispatch(ctx, cmd, cfg)
	if err != nil {
		fmt.Fprintln(a.stdout, color.RedString("error: %v", err))

		if failures == 0 {
			failures = 1
		}
	}

	return failures
}

func (a *App) setupLogging(ctx context.Context) context.Context {
	level := zapcore.InfoLevel
	_ = level.Set(*a.logLevel)

	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.Lock(os.Stderr), level)

	return logging.WithLogger(ctx, logging.Zap(zap.New(core)))
}

func (a *App) dispatch(ctx context.Context, cmd string, cfg config.Config) (int, error) {
	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer deps.close()

	switch cmd {
	case a.backupCmd.FullCommand():
		return a.runBackup(ctx, deps, *a.backupKind)

	case a.scheduleCmd.FullCommand():
		return a.runScheduler(ctx, deps)

	case a.recoverListCmd.FullCommand():
		return a.runRecoverList(ctx, deps, *a.recoverListKind)

	case a.recoverFullCmd.FullCommand():
		return a.runRecoverFull(ctx, deps, *a.recoverFullSelector, *a.recoverFullEmergency)

	case a.recoverKindCmd.FullCommand():
		return a.runRecoverKind(ctx, deps, *a.recoverKindArg, *a.recoverKindSelector)

	default:
		return 0, errors.Errorf("unknown command %q", cmd)
	}
}

// runBackup invokes the engine directly: manual invocation intentionally
// bypasses the scheduler's admission gates.
func (a *App) runBackup(ctx context.Context, deps *dependencies, kind string) (int, error) {
	switch kind {
	case schedule.KindIncremental, schedule.KindFull:
		runKind := engine.RunIncremental
		if kind == schedule.KindFull {
			runKind = engine.RunFull
		}

		summary, err := deps.engine.Run(ctx, runKind)
		if err != nil {
			return 1, err
		}

		return a.reportRun(summary), nil

	case schedule.KindVerify:
		report, err := deps.verifier.Verify(ctx, 0)
		if err != nil {
			return 1, err
		}

		if report.Failed() {
			fmt.Fprintln(a.stdout, color.RedString("%v of %v artifacts failed verification", len(report.Failures), report.Checked))
			return len(report.Failures), nil
		}

		fmt.Fprintln(a.stdout, color.GreenString("%v artifacts verified", report.Checked))

		return 0, nil

	case schedule.KindMonitor:
		report, err := deps.monitor.Check(ctx)
		if err != nil {
			return 1, err
		}

		for _, f := range report.Findings {
			fmt.Fprintf(a.stdout, "%v %v: %v\n", color.YellowString("[%v]", f.Severity), f.Category, f.Detail)
		}

		if report.Healthy() {
			fmt.Fprintln(a.stdout, color.GreenString("all checks passed"))
		}

		return len(report.Findings), nil

	case schedule.KindCleanup:
		res, err := deps.engine.Cleanup(ctx)
		if err != nil {
			return 1, err
		}

		fmt.Fprintf(a.stdout, "deleted %v expired artifacts, kept %v\n", len(res.Deleted), res.Kept)

		return 0, nil

	default:
		return 0, errors.Errorf("unknown backup kind %q", kind)
	}
}

func (a *App) reportRun(summary *engine.RunSummary) int {
	switch summary.Status {
	case engine.StatusSuccess:
		fmt.Fprintln(a.stdout, color.GreenString("backup %v completed", summary.ID))
		return 0

	case engine.StatusSkipped:
		fmt.Fprintln(a.stdout, color.YellowString("backup skipped: another backup is running"))
		return 0

	case engine.StatusPartial:
		failed := summary.FailedItems()
		fmt.Fprintln(a.stdout, color.YellowString("backup %v completed with %v failures: %v", summary.ID, len(failed), strings.Join(failed, ", ")))

		return len(failed)

	default:
		fmt.Fprintln(a.stdout, color.RedString("backup %v failed", summary.ID))

		if n := len(summary.FailedItems()); n > 0 {
			return n
		}

		return 1
	}
}

func (a *App) runScheduler(ctx context.Context, deps *dependencies) (int, error) {
	jobs, err := deps.runner.Jobs()
	if err != nil {
		return 1, err
	}

	http.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(*a.scheduleListen, nil); err != nil { //nolint:gosec
			fmt.Fprintln(a.stdout, color.RedString("metrics listener failed: %v", err))
		}
	}()

	fmt.Fprintf(a.stdout, "scheduler running, metrics on %v\n", *a.scheduleListen)

	s := schedule.Start(ctx, jobs, schedule.Options{})
	defer s.Stop()

	<-ctx.Done()

	return 0, nil
}

func (a *App) runRecoverList(ctx context.Context, deps *dependencies, kindArg string) (int, error) {
	kinds := source.AllKinds

	if kindArg != "" {
		k, err := source.ParseKind(kindArg)
		if err != nil {
			return 1, err
		}

		kinds = []source.Kind{k}
	}

	for _, k := range kinds {
		refs, err := deps.recovery.List(ctx, k)
		if err != nil {
			return 1, err
		}

		fmt.Fprintln(a.stdout, color.CyanString("%v:", k))

		if len(refs) == 0 {
			fmt.Fprintln(a.stdout, "  (none)")
			continue
		}

		for _, ref := range refs {
			fmt.Fprintf(a.stdout, "  %v  %10d bytes\n", ref.ID(), ref.Size)
		}
	}

	return 0, nil
}

func (a *App) runRecoverKind(ctx context.Context, deps *dependencies, kindArg, selector string) (int, error) {
	k, err := source.ParseKind(kindArg)
	if err != nil {
		return 1, err
	}

	orch, err := deps.newRecovery(recovery.ModeInteractive, a.stdinConfirmer())
	if err != nil {
		return 1, err
	}

	sess, err := orch.RestoreKind(ctx, k, selector)
	if err != nil {
		return 1, err
	}

	return a.reportSession(sess), nil
}

func (a *App) runRecoverFull(ctx context.Context, deps *dependencies, selector string, emergency bool) (int, error) {
	mode := recovery.ModeInteractive
	confirmer := a.stdinConfirmer()

	if emergency {
		// the unattended path still demands one explicit, shouted consent
		fmt.Fprint(a.stdout, "Type YES to run unattended full recovery: ")

		if line, _ := bufio.NewReader(a.stdin).ReadString('\n'); strings.TrimSpace(line) != "YES" {
			fmt.Fprintln(a.stdout, "aborted")
			return 1, nil
		}

		mode = recovery.ModeAutomatic
		confirmer = nil
	}

	orch, err := deps.newRecovery(mode, confirmer)
	if err != nil {
		return 1, err
	}

	sess, err := orch.FullRestore(ctx, selector)
	if err != nil {
		return 1, err
	}

	return a.reportSession(sess), nil
}

func (a *App) reportSession(sess *recovery.Session) int {
	switch sess.State {
	case recovery.StateCompleted:
		fmt.Fprintln(a.stdout, color.GreenString("recovery %v completed", sess.ID))

		for _, step := range sess.Steps {
			for _, moved := range step.Relocated {
				fmt.Fprintf(a.stdout, "  previous state kept at %v\n", moved)
			}
		}

		return 0

	case recovery.StateAborted:
		fmt.Fprintln(a.stdout, color.YellowString("recovery aborted, nothing was changed"))
		return 1

	default:
		failures := 0

		for _, step := range sess.Steps {
			if step.Error != "" {
				fmt.Fprintln(a.stdout, color.RedString("%v: %v", step.Kind, step.Error))
				failures++
			}

			for _, f := range step.Failures {
				fmt.Fprintln(a.stdout, color.RedString("%v/%v: %v", step.Kind, f.Item, f.Err))
				failures++
			}
		}

		if sess.ProbeError != "" {
			fmt.Fprintln(a.stdout, color.RedString("health probe: %v", sess.ProbeError))
			failures++
		}

		if failures == 0 {
			failures = 1
		}

		return failures
	}
}

// stdinConfirmer prompts on stdout and accepts only an explicit "yes".
func (a *App) stdinConfirmer() recovery.Confirmer {
	return recovery.ConfirmerFunc(func(ctx context.Context, prompt string) bool {
		fmt.Fprintf(a.stdout, "%v (yes/no): ", prompt)

		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil {
			return false
		}

		return strings.TrimSpace(strings.ToLower(line)) == "yes"
	})
}

// dependencies holds the wired engines shared by all commands.
type dependencies struct {
	cfg      config.Config
	secrets  secrets.Resolver
	local    *localfs.Store
	remotes  []store.Remote
	notifier *notify.Notifier
	refs     *recovery.ReferenceSet

	strategies []source.Strategy
	engine     *engine.Engine
	verifier   *verify.Engine
	monitor    *monitor.Engine
	runner     *schedule.Runner
	recovery   *recovery.Orchestrator
	services   *services.Manager
}

func buildDeps(ctx context.Context, cfg config.Config) (*dependencies, error) {
	d := &dependencies{
		cfg:     cfg,
		secrets: secrets.NewResolver(),
		refs:    recovery.NewReferenceSet(),
	}

	local, err := localfs.New(cfg.BackupDir)
	if err != nil {
		return nil, err
	}

	d.local = local

	if err := d.buildRemotes(cfg); err != nil {
		d.close()
		return nil, err
	}

	d.notifier = buildNotifier(cfg, d.secrets)
	d.strategies = buildStrategies(cfg)
	d.services = services.NewManager(cfg.Services)

	d.engine, err = engine.New(engine.Options{
		Config:     cfg,
		Local:      local,
		Remotes:    d.remotes,
		Strategies: d.strategies,
		Secrets:    d.secrets,
		Notifier:   d.notifier,
		Protect:    d.refs,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.verifier = verify.NewEngine(local, d.notifier)

	kinds := make([]source.Kind, 0, len(d.strategies))
	for _, s := range d.strategies {
		kinds = append(kinds, s.Kind())
	}

	d.monitor = monitor.NewEngine(cfg, local, d.remotes, kinds, d.notifier)
	d.runner = schedule.NewRunner(cfg, d.engine, d.verifier, d.monitor, d.notifier)

	d.recovery, err = d.newRecovery(recovery.ModeInteractive, recovery.ConfirmerFunc(func(ctx context.Context, prompt string) bool {
		return false
	}))
	if err != nil {
		d.close()
		return nil, err
	}

	return d, nil
}

// newRecovery builds a recovery orchestrator sharing the protected
// reference set with the engine's retention sweep.
func (d *dependencies) newRecovery(mode recovery.Mode, confirmer recovery.Confirmer) (*recovery.Orchestrator, error) {
	return recovery.New(recovery.Options{
		Config:     d.cfg,
		Local:      d.local,
		Strategies: d.strategies,
		Secrets:    d.secrets,
		Services:   d.services,
		Notifier:   d.notifier,
		Confirmer:  confirmer,
		Mode:       mode,
		References: d.refs,
	})
}

func (d *dependencies) buildRemotes(cfg config.Config) error {
	for i, rc := range cfg.Remotes {
		var (
			r   store.Remote
			err error
		)

		switch rc.Kind {
		case config.RemoteS3:
			r, err = s3.New(rc, d.secrets)

		case config.RemoteSFTP:
			r, err = sftp.New(rc)

		case config.RemoteRsync:
			r, err = rsync.New(rc)

		default:
			err = errors.Errorf("unsupported remote kind %q", rc.Kind)
		}

		if err != nil {
			return errors.Wrapf(err, "remotes[%v]", i)
		}

		d.remotes = append(d.remotes, r)
	}

	return nil
}

func buildNotifier(cfg config.Config, sec secrets.Resolver) *notify.Notifier {
	var senders []notify.Sender

	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}

	if cfg.Notify.SMTPServer != "" {
		pass := ""
		if cfg.Notify.SMTPPassRef != "" {
			if p, err := sec.Resolve(cfg.Notify.SMTPPassRef); err == nil {
				pass = p
			}
		}

		senders = append(senders, &notify.EmailSender{
			Server:   cfg.Notify.SMTPServer,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: pass,
			From:     cfg.Notify.From,
			To:       cfg.Notify.To,
		})
	}

	return notify.NewNotifier(senders...)
}

func buildStrategies(cfg config.Config) []source.Strategy {
	run := source.ExecRunner()

	var strategies []source.Strategy

	if cfg.Sources.Configs.Enabled {
		strategies = append(strategies, source.NewConfigs(cfg.Sources.Configs))
	}

	if cfg.Sources.Files.Enabled {
		strategies = append(strategies, source.NewFiles(cfg.Sources.Files, run))
	}

	if cfg.Sources.Postgres.Enabled {
		strategies = append(strategies, source.NewPostgres(cfg.Sources.Postgres, run))
	}

	if cfg.Sources.Mongo.Enabled {
		strategies = append(strategies, source.NewMongo(cfg.Sources.Mongo, run))
	}

	return strategies
}

func (d *dependencies) close() {
	for _, r := range d.remotes {
		if err := r.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to close %v: %v\n", r.DisplayName(), err)
		}
	}
}
