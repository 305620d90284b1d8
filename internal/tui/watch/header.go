package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/silentstar/starbridge/internal/events"
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	BridgeOnline  bool
	Connected     bool
	LastCheck     time.Time
}

// BridgeState tracks worker liveness from heartbeat events. Between
// heartbeats the online flag decays on the tick, mirroring the server's
// TTL logic.
type BridgeState struct {
	Online   bool
	Busy     bool
	Worker   string
	LastSeen time.Time
	ttl      time.Duration
}

// Apply folds a bridge.heartbeat event into the state.
func (b *BridgeState) Apply(e events.Event) {
	if e.Type != events.TypeBridgeHeartbeat {
		return
	}
	var data struct {
		Busy   bool   `json:"busy"`
		Worker string `json:"worker"`
	}
	_ = json.Unmarshal(e.Data, &data)
	b.Online = true
	b.Busy = data.Busy
	b.Worker = data.Worker
	b.LastSeen = e.At
}

// Refresh re-evaluates the online flag against the heartbeat TTL.
func (b *BridgeState) Refresh() {
	ttl := b.ttl
	if ttl <= 0 {
		ttl = 8 * time.Second
	}
	if b.Online && time.Since(b.LastSeen) > ttl {
		b.Online = false
	}
}

func renderHeader(health HealthState, bridge BridgeState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	bridgeText := theme.StatusFailed.Render("OFFLINE")
	if bridge.Online || health.BridgeOnline {
		if bridge.Busy {
			bridgeText = theme.StatusRunning.Render("BUSY")
		} else {
			bridgeText = theme.StatusOK.Render("ONLINE")
		}
	}
	if bridge.Worker != "" {
		bridgeText += theme.Dim.Render(" (" + bridge.Worker + ")")
	}

	uptime := time.Duration(health.UptimeSeconds) * time.Second
	uptimeStr := formatDuration(uptime)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	// Title line with ticker and clock
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" STARBRIDGE WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  Bridge: %s  ⏱ %s  Queue: %d",
		statusIcon, statusText,
		bridgeText,
		uptimeStr,
		health.QueueDepth,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		spinner.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
