package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"goa.design/jobstream/runtime/control"
	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/pipeline"
	"goa.design/jobstream/runtime/stream/sse"
)

const maxBackoff = 10 * time.Second

// errFinished ends a tail once the job reached a terminal status.
var errFinished = errors.New("job finished")

type tailOptions struct {
	*rootOptions
	After    int64
	Pipeline bool
}

func newTailCommand(root *rootOptions) *cobra.Command {
	opts := &tailOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Follow a job's event stream",
		Long: `Follow a job's event stream, replaying history first.

The stream is resumed from the last received event after a disconnect. Tail
exits once a control event leaves the job in a terminal status.

Examples:
  jobstream tail job-42
  jobstream tail job-42 --after 120 --pipeline=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tail(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&opts.After, "after", 0, "resume after this sequence number")
	cmd.Flags().BoolVar(&opts.Pipeline, "pipeline", true, "print the pipeline view after each event")
	return cmd
}

// tail follows the stream until the job is terminal or ctx is done. Events
// seen so far feed the pipeline view; the view is partial when --after skips
// history.
func tail(ctx context.Context, opts *tailOptions, jobID string, out io.Writer) error {
	var (
		last    = opts.After
		events  []*ledger.Event
		backoff = 250 * time.Millisecond
	)
	for {
		err := follow(ctx, opts.Addr, jobID, last, func(e *ledger.Event) error {
			if e.Seq <= last {
				return nil
			}
			last = e.Seq
			events = append(events, e)
			printEvent(out, e)
			if opts.Pipeline {
				printPipeline(out, pipeline.Infer(events))
			}
			backoff = 250 * time.Millisecond
			if e.ToolName != control.ToolName {
				return nil
			}
			j, err := getJob(ctx, opts.Addr, jobID)
			if err != nil {
				return err
			}
			if j.Status.Terminal() {
				fmt.Fprintf(out, "job %s finished with status %s\n", jobID, j.Status)
				return errFinished
			}
			return nil
		})
		if errors.Is(err, errFinished) || ctx.Err() != nil {
			return nil
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		fmt.Fprintf(out, "     disconnected (%v), reconnecting after %d\n", err, last)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func getJob(ctx context.Context, addr, jobID string) (job.Job, error) {
	var j job.Job
	if err := get(ctx, addr+"/jobs/"+jobID, &j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// fatalError marks responses that reconnecting cannot fix.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

func follow(ctx context.Context, addr, jobID string, after int64, fn func(*ledger.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/jobs/"+jobID+"/events/stream", nil)
	if err != nil {
		return &fatalError{err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return responseError(resp)
	case resp.StatusCode != http.StatusOK:
		return &fatalError{responseError(resp)}
	}
	r := sse.NewReader(resp.Body)
	for {
		e, err := r.Event()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by server")
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
