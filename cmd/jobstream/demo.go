package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/jobstream/runtime/bus"
	"goa.design/jobstream/runtime/control"
	"goa.design/jobstream/runtime/job"
	jobinmem "goa.design/jobstream/runtime/job/inmem"
	"goa.design/jobstream/runtime/ledger"
	ledgerinmem "goa.design/jobstream/runtime/ledger/inmem"
	"goa.design/jobstream/runtime/pipeline"
	"goa.design/jobstream/runtime/stream"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	demoOptions struct {
		*rootOptions
		Step        time.Duration
		CancelAfter int
	}

	// step is one simulated worker action.
	step struct {
		stage   pipeline.Stage
		kind    ledger.Kind
		tool    string
		summary string
	}

	// printer is a stream.Transport writing to the terminal.
	printer struct {
		mu     sync.Mutex
		out    io.Writer
		events []*ledger.Event
		done   chan struct{}
		once   sync.Once
	}
)

var script = []step{
	{pipeline.StageCoordinator, ledger.KindInfo, "", "job accepted"},
	{pipeline.StageCoordinator, ledger.KindToolCall, "read_file", "README.md"},
	{pipeline.StagePlanner, ledger.KindLog, "", "drafting plan"},
	{pipeline.StagePlanner, ledger.KindToolCall, "search", "func handleRequest"},
	{pipeline.StageBuilder, ledger.KindToolCall, "edit_file", "server/handler.go"},
	{pipeline.StageBuilder, ledger.KindToolCall, "run_tests", "go test ./server/..."},
	{pipeline.StageBuilder, ledger.KindError, "run_tests", "1 test failed"},
	{pipeline.StageBuilder, ledger.KindToolCall, "edit_file", "server/handler.go"},
	{pipeline.StageReviewer, ledger.KindToolCall, "run_tests", "go test ./server/..."},
	{pipeline.StageReviewer, ledger.KindLog, "", "changes ready for review"},
}

func newDemoCommand(root *rootOptions) *cobra.Command {
	opts := &demoOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a simulated job in-process and stream it",
		Long: `Run a simulated agent job against in-memory stores and print its live
event stream and pipeline view. The job is approved when the worker finishes,
or cancelled after --cancel-after events.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return demo(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.Step, "step", 300*time.Millisecond, "delay between worker events")
	cmd.Flags().IntVar(&opts.CancelAfter, "cancel-after", 0, "cancel the job after this many worker events (0 approves instead)")
	return cmd
}

func demo(ctx context.Context, opts *demoOptions, out io.Writer) error {
	ctx = log.Context(ctx, log.WithFormat(log.FormatTerminal))
	if opts.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	jobs := jobinmem.New()
	b := bus.New(bus.WithLogger(logger))
	defer b.Close()
	l := ledger.New(ledgerinmem.New(), jobs, ledger.WithPublisher(b), ledger.WithLogger(logger))

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	injector := control.New(jobs, l,
		control.WithLogger(logger),
		control.WithCanceler(control.CancelerFunc(func(context.Context, string) error {
			stopWorker()
			return nil
		})))

	id := "demo-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	if err := jobs.Create(ctx, job.Job{ID: id, Status: job.StatusRunning, CreatedAt: now, UpdatedAt: now}); err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s\n", id)

	p := &printer{out: out, done: make(chan struct{})}
	sessCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()
	var (
		ready     = make(chan struct{})
		readyOnce sync.Once
	)
	sess := stream.NewSession(l, b, id,
		stream.WithKeepAlive(time.Minute),
		stream.WithLogger(logger),
		stream.WithStateHook(func(s stream.State) {
			if s == stream.StateLive {
				readyOnce.Do(func() { close(ready) })
			}
		}))
	errc := make(chan error, 1)
	go func() { errc <- sess.Run(sessCtx, p) }()
	select {
	case <-ready:
	case err := <-errc:
		return err
	}

	cancelled := runWorker(workerCtx, l, id, opts)
	if ctx.Err() != nil {
		return nil
	}
	if cancelled {
		if _, err := injector.Cancel(ctx, id); err != nil {
			return err
		}
	} else if _, err := injector.Approve(ctx, id); err != nil {
		return err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
	}
	stopSession()
	if err := <-errc; err != nil {
		return err
	}
	if err := injector.Wait(context.Background()); err != nil {
		return err
	}
	j, err := jobs.Load(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s finished with status %s\n", id, j.Status)
	return nil
}

// runWorker appends the scripted events. It reports whether the job should be
// cancelled: either --cancel-after was reached or ctx was cancelled.
func runWorker(ctx context.Context, l *ledger.Ledger, id string, opts *demoOptions) bool {
	for i, s := range script {
		if opts.CancelAfter > 0 && i == opts.CancelAfter {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(opts.Step):
		}
		d := ledger.Draft{Kind: s.kind, Stage: string(s.stage), ToolName: s.tool, Summary: s.summary}
		if s.kind == ledger.KindToolCall {
			d.Params, _ = json.Marshal(map[string]string{"arg": s.summary})
		}
		if _, err := l.Append(ctx, id, d); err != nil {
			return true
		}
	}
	return false
}

func (p *printer) Send(_ context.Context, e *ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	printEvent(p.out, e)
	printPipeline(p.out, pipeline.Infer(p.events))
	if e.ToolName == control.ToolName {
		p.once.Do(func() { close(p.done) })
	}
	return nil
}

func (p *printer) KeepAlive(context.Context) error { return nil }
