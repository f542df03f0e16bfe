// Command qservctl is the operator CLI frontend for the placement jobs:
// one sub-application per job type, dispatched from argv[1] through a
// small named registry, each sub-application built on
// libraries/argparser. Every sub-application opens the catalog, submits
// exactly one job to a libraries/jobcontroller.Controller, prints a
// result table, and exits 0 on success or 1 on failure.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/argparser"
	"github.com/lsst/qserv-sub021/libraries/catalog"
	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/config"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/jobcontroller"
	"github.com/lsst/qserv-sub021/libraries/jobs"
	"github.com/lsst/qserv-sub021/libraries/objectindex"
)

// application is one named sub-command. run receives its own argv (not
// including the sub-command name) and returns the process exit code.
type application struct {
	summary string
	run     func(args []string) int
}

// apps is the ApplicationColl-style dispatch table; registered once at
// package init so main can stay a thin argv[1] lookup.
var apps map[string]application

func init() {
	apps = map[string]application{
		"findAll":       {"discover every chunk a family's workers actually hold", runFindAll},
		"fixUp":         {"replicate chunks onto family workers that are missing them", runFixUp},
		"replicate":     {"bring under-replicated chunks up to --replicas copies", runReplicate},
		"purge":         {"drop surplus replicas above --replicas copies", runPurge},
		"rebalance":     {"move chunks off over-loaded workers onto under-loaded ones", runRebalance},
		"verify":        {"sample replicas and report checksum disagreements", runVerify},
		"deleteWorker":  {"retire a worker, re-replicating its chunks first", runDeleteWorker},
		"directorIndex": {"extract and load a director table's object index", runDirectorIndex},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 || argv[0] == "-h" || argv[0] == "--help" {
		printTopLevelUsage()
		if len(argv) == 0 {
			return 1
		}
		return 0
	}

	app, ok := apps[argv[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "qservctl: unknown command %q\n\n", argv[0])
		printTopLevelUsage()
		return 1
	}
	return app.run(argv[1:])
}

func printTopLevelUsage() {
	fmt.Fprintln(os.Stderr, "usage: qservctl <command> [options] <database-family> [args...]")
	fmt.Fprintln(os.Stderr, "commands:")
	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", name, apps[name].summary)
	}
}

// commonFlags are accepted by every sub-application.
type commonFlags struct {
	replicas       int
	estimateOnly   bool
	tablesPageSize int
	configURL      string
}

func newCommonParser(name string, maxArgs int) (*argparser.ArgParser, *commonFlags) {
	cf := &commonFlags{}
	ap := argparser.NewArgParserWithMaxArgs(name, maxArgs)
	ap.SupportsInt("replicas", "r", "n", "target replication level")
	ap.SupportsFlag("estimate-only", "e", "compute and print a plan without issuing any requests")
	ap.SupportsInt("tables-page-size", "", "n", "catalog paging size hint (accepted for compatibility, unused by the core)")
	ap.SupportsString("config", "c", "url", "serviceProvider configuration URL (default file:replication.cfg)")
	return ap, cf
}

func bindCommonFlags(res *argparser.ArgParseResults, cf *commonFlags) {
	cf.replicas = res.GetIntOrDefault("replicas", 1)
	cf.estimateOnly = res.Contains("estimate-only")
	cf.tablesPageSize = res.GetIntOrDefault("tables-page-size", 0)
	cf.configURL = res.GetValueOrDefault("config", "file:replication.cfg")
}

// ctx, logger, and shared infra every sub-application wires identically.
type ctlEnv struct {
	sub *jobs.Submitter
	log *logrus.Entry
}

func openEnv(cf *commonFlags) (*ctlEnv, func(), error) {
	if _, err := config.ResolveServiceProvider(cf.configURL); err != nil {
		return nil, func() {}, err
	}

	store, err := catalog.Open("qserv-catalog.db", false)
	if err != nil {
		return nil, func() {}, err
	}

	identity := controller.NewIdentity(uuid.NewString())
	jc := jobcontroller.New(jobcontroller.WithTickInterval(50 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go jc.Start(ctx)

	env := &ctlEnv{
		sub: &jobs.Submitter{
			Scheduler: jc,
			Ctrl:      controller.New(identity, store),
			Locker:    chunklock.New(),
			Catalog:   store,
		},
		log: logrus.WithField("component", "qservctl"),
	}
	closeEnv := func() {
		jc.Stop()
		cancel()
		store.Close()
	}
	return env, closeEnv, nil
}

// waitState blocks for a submitted job's terminal state.
func waitState(done <-chan chunk.JobState) chunk.JobState {
	return <-done
}

// exitCodeFor maps a job's terminal state to the CLI's 0/1 contract.
func exitCodeFor(state chunk.JobState) int {
	if state == chunk.JobFinishedOK {
		return 0
	}
	return 1
}

func printFailures(log *logrus.Entry, failures []jobs.ChunkFailure) {
	for _, f := range failures {
		log.WithFields(logrus.Fields{"chunk": f.Chunk, "worker": f.Worker}).Warn(f.Error)
	}
}

func runFindAll(args []string) int {
	ap, cf := newCommonParser("qservctl findAll", 1)
	ap.SupportsFlag("save-replica-info", "s", "persist discovered replicas into the catalog")
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl findAll: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.FindAll(res.Arg(0), res.Contains("save-replica-info"), func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("findAll: %s\n", state)
	return exitCodeFor(state)
}

func runFixUp(args []string) int {
	ap, cf := newCommonParser("qservctl fixUp", 1)
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl fixUp: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.FixUp(res.Arg(0), func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("fixUp: %s filled %d collocation gaps\n", state, len(job.Created()))
	return exitCodeFor(state)
}

func runReplicate(args []string) int {
	ap, cf := newCommonParser("qservctl replicate", 1)
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl replicate: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.Replicate(res.Arg(0), cf.replicas, func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("replicate: %s created %s new replicas\n", state, humanize.Comma(int64(len(job.Created()))))
	return exitCodeFor(state)
}

func runPurge(args []string) int {
	ap, cf := newCommonParser("qservctl purge", 1)
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl purge: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.Purge(res.Arg(0), cf.replicas, func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("purge: %s deleted %s surplus replicas\n", state, humanize.Comma(int64(len(job.Deleted()))))
	return exitCodeFor(state)
}

func runRebalance(args []string) int {
	ap, cf := newCommonParser("qservctl rebalance", 1)
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl rebalance: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.Rebalance(res.Arg(0), cf.estimateOnly, func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	workers, goodChunks, avg := job.Plan()
	fmt.Printf("rebalance: %s (%d workers, %d well-placed chunks, avg %.2f chunks/worker), moved %s chunks\n",
		state, workers, goodChunks, avg, humanize.Comma(int64(len(job.Moved()))))
	return exitCodeFor(state)
}

func runVerify(args []string) int {
	ap, cf := newCommonParser("qservctl verify", 1)
	ap.SupportsFlag("checksum", "", "compute and compare checksums, not just existence")
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "qservctl verify: requires exactly one <database-family> argument")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	maxReplicas := cf.replicas
	if maxReplicas <= 0 {
		maxReplicas = 1
	}
	done := make(chan chunk.JobState, 1)
	job, err := env.sub.Verify(res.Arg(0), maxReplicas, res.Contains("checksum"), func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	diffs := job.Differences()
	for _, d := range diffs {
		fmt.Printf("  mismatch: chunk %s of %s between %s (%s) and %s (%s)\n", d.Chunk, d.Database, d.WorkerA, d.CheckSumA, d.WorkerB, d.CheckSumB)
	}
	fmt.Printf("verify: %s found %s disagreements\n", state, humanize.Comma(int64(len(diffs))))
	return exitCodeFor(state)
}

func runDeleteWorker(args []string) int {
	ap, cf := newCommonParser("qservctl deleteWorker", 2)
	ap.SupportsFlag("permanent", "p", "drop the worker from the catalog entirely instead of just disabling it")
	ap.SupportsInt("min-replicas", "", "n", "replication floor to preserve while re-replicating cleared chunks")
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "qservctl deleteWorker: requires <database-family> <worker>")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	minReplicas := res.GetIntOrDefault("min-replicas", 1)
	done := make(chan chunk.JobState, 1)
	job, err := env.sub.DeleteWorker(res.Arg(0), res.Arg(1), res.Contains("permanent"), minReplicas, func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("deleteWorker: %s cleared %s chunks from %s\n", state, humanize.Comma(int64(len(job.Cleared()))), res.Arg(1))
	return exitCodeFor(state)
}

func runDirectorIndex(args []string) int {
	ap, cf := newCommonParser("qservctl directorIndex", 3)
	ap.SupportsString("transaction", "t", "id", "scope the extract to one super-transaction")
	ap.SupportsString("index-file", "i", "path", "where to create/append the index file")
	res, err := ap.Parse(args)
	if handleParseErr(ap, err) {
		return exitFromErr(err)
	}
	bindCommonFlags(res, cf)
	if res.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "qservctl directorIndex: requires <database-family> <database> <director-table>")
		return 1
	}
	indexPath, ok := res.GetValue("index-file")
	if !ok {
		fmt.Fprintln(os.Stderr, "qservctl directorIndex: --index-file is required")
		return 1
	}

	env, closeEnv, err := openEnv(cf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeEnv()

	idx := objectindex.New()
	if err := idx.Create(indexPath, chunk.DefaultCSVDialect()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer idx.Close()

	done := make(chan chunk.JobState, 1)
	job, err := env.sub.DirectorIndex(res.Arg(0), res.Arg(1), res.Arg(2), res.GetValueOrDefault("transaction", ""), idx, func(s chunk.JobState) { done <- s }, chunk.JobOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := waitState(done)
	printFailures(env.log, job.Failures())
	fmt.Printf("directorIndex: %s loaded %s triples into %s\n", state, humanize.Comma(int64(job.Loaded())), indexPath)
	return exitCodeFor(state)
}

// handleParseErr prints usage on --help and any parse error to stderr; it
// reports whether the caller should stop and exit.
func handleParseErr(ap *argparser.ArgParser, err error) bool {
	if err == nil {
		return false
	}
	if err == argparser.ErrHelp {
		fmt.Print(ap.Usage())
		return true
	}
	fmt.Fprintln(os.Stderr, err)
	fmt.Fprint(os.Stderr, ap.Usage())
	return true
}

func exitFromErr(err error) int {
	if err == argparser.ErrHelp {
		return 0
	}
	return 1
}
