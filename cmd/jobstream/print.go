package main

import (
	"fmt"
	"io"
	"strings"

	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/pipeline"
)

func printEvent(w io.Writer, e *ledger.Event) {
	stage := e.Stage
	if stage == "" {
		stage = "-"
	}
	text := e.Summary
	if e.ToolName != "" {
		text = e.ToolName + " " + text
	}
	fmt.Fprintf(w, "%4d %s %-9s %-11s %s\n", e.Seq, e.CreatedAt.Format("15:04:05"), e.Kind, stage, strings.TrimSpace(text))
}

func printPipeline(w io.Writer, v pipeline.View) {
	parts := make([]string, len(v))
	for i, s := range v {
		parts[i] = fmt.Sprintf("%s:%s", s.Stage, s.Status)
	}
	fmt.Fprintf(w, "     pipeline %s\n", strings.Join(parts, " "))
}
