package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"

	"github.com/silentstar/starbridge/internal/events"
)

// JobState tracks the single active job from queue events.
type JobState struct {
	ID         string
	Actor      string
	Worker     string
	Status     string
	LastStatus string
	LastJobID  string
	Since      time.Time
}

// Apply folds a job lifecycle event into the state.
func (j *JobState) Apply(e events.Event) {
	var data struct {
		JobID  string `json:"job_id"`
		Actor  string `json:"actor"`
		Worker string `json:"worker"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.TypeJobQueued:
		j.ID = data.JobID
		j.Actor = data.Actor
		j.Worker = ""
		j.Status = "queued"
		j.Since = e.At
	case events.TypeJobClaimed:
		j.ID = data.JobID
		j.Worker = data.Worker
		j.Status = "running"
		j.Since = e.At
	case events.TypeJobCompleted, events.TypeJobExpired:
		if data.JobID != j.ID && j.ID != "" {
			return
		}
		j.LastJobID = data.JobID
		j.LastStatus = data.Status
		if e.Type == events.TypeJobExpired {
			j.LastStatus = "expired"
		}
		j.ID = ""
		j.Worker = ""
		j.Status = ""
	}
}

func renderJob(j JobState, working spinner.Model, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("ACTIVE JOB")

	var body string
	switch {
	case j.ID != "":
		id := j.ID
		if len(id) > 12 {
			id = id[:12]
		}
		statusStyle := theme.StatusQueued
		status := j.Status
		if j.Status == "running" {
			statusStyle = theme.StatusRunning
			status = working.View() + j.Status
		}
		line := fmt.Sprintf("  [%s] %s  actor: %s", id, statusStyle.Render(status), j.Actor)
		if j.Worker != "" {
			line += "  worker: " + j.Worker
		}
		if !j.Since.IsZero() {
			line += theme.Dim.Render(fmt.Sprintf("  (%s)", time.Since(j.Since).Round(time.Second)))
		}
		body = line
	case j.LastJobID != "":
		id := j.LastJobID
		if len(id) > 12 {
			id = id[:12]
		}
		style := theme.StatusOK
		if j.LastStatus != "done" {
			style = theme.StatusFailed
		}
		body = theme.Dim.Render(fmt.Sprintf("  idle · last job [%s] ", id)) + style.Render(j.LastStatus)
	default:
		body = theme.Dim.Render("  idle")
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, body)
	return theme.Border.Width(innerWidth).Render(content)
}
