package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// renderStatus writes the engine status as a key/value table followed by failed operations.
func renderStatus(w io.Writer, report app.StatusReport) {
	online := failStyle.Render("offline")
	if report.Online {
		online = okStyle.Render("online")
	}
	state := string(report.State)
	switch report.State {
	case app.StateBackoff:
		state = warnStyle.Render(state)
	case app.StateDraining:
		state = okStyle.Render(state)
	}

	t := newTable("Field", "Value").
		Row(labelStyle.Render("state"), state).
		Row(labelStyle.Render("remote"), online).
		Row(labelStyle.Render("service"), orDash(report.Service)).
		Row(labelStyle.Render("queued"), strconv.Itoa(report.Outbox.Queued)).
		Row(labelStyle.Render("inflight"), strconv.Itoa(report.Outbox.Inflight)).
		Row(labelStyle.Render("failed"), strconv.Itoa(report.Outbox.Failed)).
		Row(labelStyle.Render("oldest"), formatTime(report.Outbox.Oldest)).
		Row(labelStyle.Render("next retry"), formatTime(report.NextRetry)).
		Row(labelStyle.Render("last drain"), formatTime(report.LastDrain.FinishedAt))
	_, _ = fmt.Fprintln(w, t.Render())

	if len(report.FailedOps) == 0 {
		return
	}
	failed := newTable("Op", "Kind", "Entity", "Local ID", "Attempts", "Error")
	for _, op := range report.FailedOps {
		failed.Row(
			strconv.FormatInt(op.OpID, 10),
			string(op.Kind),
			string(op.TargetEntityType),
			op.TargetLocalID,
			strconv.Itoa(op.Attempt),
			failStyle.Render(op.LastError),
		)
	}
	_, _ = fmt.Fprintln(w, failed.Render())
}

// renderDrain writes one drain summary.
func renderDrain(w io.Writer, report app.DrainReport) {
	t := newTable("Dispatched", "Succeeded", "Reconciled", "Photos", "Rejected", "Transient", "Remaining").
		Row(
			strconv.Itoa(report.Dispatched),
			okStyle.Render(strconv.Itoa(report.Succeeded)),
			strconv.Itoa(report.Reconciled),
			strconv.Itoa(report.Photos),
			failStyle.Render(strconv.Itoa(report.Rejected)),
			warnStyle.Render(strconv.Itoa(report.Transient)),
			strconv.Itoa(report.Remaining),
		)
	_, _ = fmt.Fprintln(w, t.Render())
	if report.RetryIn > 0 {
		_, _ = fmt.Fprintln(w, warnStyle.Render("retrying in "+report.RetryIn.Round(time.Second).String()))
	}
}

// renderRehydrate writes restored counts per entity type.
func renderRehydrate(w io.Writer, result app.RehydrateResult) {
	types := make([]string, 0, len(result.Restored))
	for entityType := range result.Restored {
		types = append(types, string(entityType))
	}
	sort.Strings(types)
	t := newTable("Entity", "Restored")
	for _, entityType := range types {
		t.Row(entityType, strconv.Itoa(result.Restored[domain.EntityType(entityType)]))
	}
	t.Row(labelStyle.Render("kept local"), strconv.Itoa(result.Kept))
	_, _ = fmt.Fprintln(w, t.Render())
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(time.RFC3339)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
