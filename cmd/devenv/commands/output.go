package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/policy"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printReport(w io.Writer, report *engine.StatusReport) {
	fmt.Fprintf(w, "%s: %s\n", report.Name, report.ContainerStatus)
	if !report.Managed {
		fmt.Fprintln(w, "  not managed by devenv")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  image:\t%s\n", orDash(report.ImageRef))
	fmt.Fprintf(tw, "  container:\t%s\n", orDash(shortID(report.ContainerRef)))
	fmt.Fprintf(tw, "  fingerprint:\t%s\n", orDash(shortID(report.Fingerprint)))
	if report.RecordedStatus != "" && report.RecordedStatus != report.ContainerStatus {
		fmt.Fprintf(tw, "  recorded:\t%s\n", report.RecordedStatus)
	}
	if report.SpecChanged {
		fmt.Fprintf(tw, "  spec:\tchanged since last up\n")
	}
	if report.Plan != nil && !report.Plan.IsNoOp() {
		fmt.Fprintf(tw, "  applied:\t%s (%s)\n", report.Plan, report.Plan.Reason)
	}
	tw.Flush()
}

func printPlan(w io.Writer, plan *engine.Plan) {
	fmt.Fprintf(w, "Plan %s for %s (%s, reason: %s)\n", plan.ID, plan.Environment, plan.Operation, plan.Reason)
	if plan.IsNoOp() {
		fmt.Fprintln(w, "  nothing to do")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, a := range plan.Actions {
		fmt.Fprintf(tw, "  %d.\t%s\t%s\n", i+1, a.Kind, a.Reason)
	}
	tw.Flush()
}

func printList(w io.Writer, reports []*engine.StatusReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No environments.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tIMAGE\tCONTAINER\tNOTES")
	for _, r := range reports {
		var notes []string
		if !r.Managed {
			notes = append(notes, "unmanaged")
		}
		if r.RecordedStatus != "" && r.RecordedStatus != r.ContainerStatus {
			notes = append(notes, "recorded "+string(r.RecordedStatus))
		}
		if r.SpecChanged {
			notes = append(notes, "spec changed")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.ContainerStatus, orDash(r.ImageRef), orDash(shortID(r.ContainerRef)), strings.Join(notes, ", "))
	}
	tw.Flush()
}

func printHistory(w io.Writer, entries []*engine.JournalEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tACTION\tSTATUS\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Operation,
			orDash(string(e.Action)),
			e.Status,
			e.Duration.Round(time.Millisecond),
			e.Error)
	}
	tw.Flush()
}

func printLock(w io.Writer, name string, lock *engine.LockInfo) {
	if lock == nil {
		fmt.Fprintf(w, "%s was not locked\n", name)
		return
	}
	fmt.Fprintf(w, "Released lock on %s held by %s (pid %d on %s) since %s\n",
		name, lock.Operation, lock.PID, lock.Hostname, lock.AcquiredAt.Local().Format(time.DateTime))
}

func printPolicyResult(w io.Writer, name string, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  %s: %s\n", v.Severity, v)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  %s: %s\n", v.Severity, v)
	}
	if result.Allowed {
		fmt.Fprintf(w, "%s: valid (%d policies, %d warnings)\n", name, len(result.EvaluatedPolicies), len(result.Warnings))
	} else {
		fmt.Fprintf(w, "%s: rejected by policy\n", name)
	}
}
