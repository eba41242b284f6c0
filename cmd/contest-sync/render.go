package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/contest-sync/internal/updater"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Und)

func label(s string) string {
	if s == "" {
		return "-"
	}
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func percent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.DateTime)
}

func groupLabel(groupID int64) string {
	if groupID == 0 {
		return "global"
	}
	return strconv.FormatInt(groupID, 10)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderGroups(groups []*updater.GroupStatus) string {
	if len(groups) == 0 {
		return "No active update queues.\n"
	}

	var b strings.Builder
	for _, g := range groups {
		fmt.Fprintf(&b, "Group %s: %s\n", groupLabel(g.GroupID), g.Message)
		if len(g.Queues) == 0 {
			continue
		}
		rows := make([][]string, 0, len(g.Queues))
		for _, q := range g.Queues {
			rows = append(rows, queueRow(q))
		}
		b.WriteString(renderTable(
			[]string{"Queue", "Mode", "Running", "Progress", "Success", "Failed", "Total", "Initiator", "Last Update"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft},
		))
		b.WriteString("\n")
	}
	return b.String()
}

func queueRow(q *updater.QueueStatus) []string {
	initiator := label(string(q.Initiator.Kind))
	if q.Initiator.Identity != "" {
		initiator += " (" + q.Initiator.Identity + ")"
	}
	return []string{
		q.QueueID,
		label(string(q.Mode)),
		yesNo(q.IsRunning),
		percent(q.Progress()),
		strconv.Itoa(q.Success),
		strconv.Itoa(q.Failed),
		strconv.Itoa(q.Total),
		initiator,
		formatUnix(q.LastUpdate),
	}
}

func renderQueue(q *updater.QueueStatus) string {
	if q.NotFound {
		return fmt.Sprintf("Queue %s not found in group %s.\n", q.QueueID, groupLabel(q.GroupID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Queue %s (group %s), %s, %s complete\n",
		q.QueueID, groupLabel(q.GroupID), label(string(q.Mode)), percent(q.Progress()))
	if q.Message != "" {
		fmt.Fprintf(&b, "%s\n", q.Message)
	}
	if q.TimeoutReason != "" {
		fmt.Fprintf(&b, "Timed out: %s\n", q.TimeoutReason)
	}

	ids := make([]int64, 0, len(q.Accounts))
	for id := range q.Accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		p := q.Accounts[id]
		rows = append(rows, []string{
			strconv.FormatInt(id, 10),
			label(string(p.Status)),
			formatUnix(p.StartTime),
			formatUnix(p.EndTime),
			p.Message,
		})
	}
	b.WriteString(renderTable(
		[]string{"Account", "Status", "Started", "Finished", "Message"},
		rows,
		[]columnAlignment{alignRight},
	))
	b.WriteString("\n")
	return b.String()
}

func renderCleanup(r *updater.CleanupReport) string {
	var b strings.Builder
	b.WriteString(r.Summary + "\n")

	list := r.Cleaned
	if r.DryRun {
		list = r.Eligible
	}
	rows := make([][]string, 0, len(list)+len(r.Preserved))
	for _, a := range list {
		rows = append(rows, analysisRow(a, "remove"))
	}
	for _, a := range r.Preserved {
		rows = append(rows, analysisRow(a, "keep"))
	}
	if len(rows) > 0 {
		b.WriteString(renderTable(
			[]string{"Group", "Queue", "Action", "Age (h)", "Progress", "Accounts", "Reason"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
		))
		b.WriteString("\n")
	}
	if r.Orphans > 0 {
		fmt.Fprintf(&b, "Orphaned registry entries: %d\n", r.Orphans)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "Error: %s\n", e)
	}
	return b.String()
}

func renderClear(r *updater.ClearReport) string {
	var b strings.Builder
	b.WriteString(r.Message + "\n")

	rows := make([][]string, 0, len(r.Cleared))
	for _, c := range r.Cleared {
		rows = append(rows, []string{groupLabel(c.GroupID), c.QueueID, yesNo(c.WasRunning)})
	}
	if len(rows) > 0 {
		b.WriteString(renderTable([]string{"Group", "Queue", "Was Running"}, rows, nil))
		b.WriteString("\n")
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "Error: %s\n", e)
	}
	return b.String()
}

func analysisRow(a updater.QueueAnalysis, action string) []string {
	return []string{
		groupLabel(a.GroupID),
		a.QueueID,
		label(action),
		strconv.FormatFloat(a.AgeHours, 'f', 1, 64),
		percent(a.Progress),
		strconv.Itoa(a.Accounts),
		a.Reason,
	}
}

func renderAutoUpdate(r *updater.AutoUpdateReport) string {
	if !r.Ran {
		return "Auto update skipped: " + r.SkippedReason + "\n"
	}

	rows := make([][]string, 0, len(r.Created)+len(r.Skipped))
	for _, c := range r.Created {
		rows = append(rows, []string{groupLabel(c.GroupID), "Created", c.QueueID, strconv.Itoa(c.Total), c.Message})
	}
	for _, s := range r.Skipped {
		rows = append(rows, []string{groupLabel(s.GroupID), "Skipped", "-", "-", s.Reason})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Auto update created %d queue(s), skipped %d group(s)\n", len(r.Created), len(r.Skipped))
	if len(rows) > 0 {
		b.WriteString(renderTable(
			[]string{"Group", "Result", "Queue", "Accounts", "Detail"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
		))
		b.WriteString("\n")
	}
	return b.String()
}
