package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"fetchbot/internal/progress"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
)

const barWidth = 12

func formatProgress(job store.Job, snap progress.Snapshot) string {
	var sb strings.Builder
	label := snap.Label
	if label == "" {
		label = job.Target
	}
	fmt.Fprintf(&sb, "%s %s\n", shortID(job.ID), label)
	fmt.Fprintf(&sb, "%s %.1f%%\n", bar(snap.Percent), snap.Percent)

	if snap.BytesTotal > 0 {
		fmt.Fprintf(&sb, "%s / %s", humanize.IBytes(uint64(snap.BytesDone)), humanize.IBytes(uint64(snap.BytesTotal)))
	} else {
		sb.WriteString(humanize.IBytes(uint64(snap.BytesDone)))
	}
	if snap.Speed > 0 {
		fmt.Fprintf(&sb, " at %s/s", humanize.IBytes(uint64(snap.Speed)))
	}
	sb.WriteByte('\n')

	switch {
	case snap.ETASeconds == 0:
		sb.WriteString("finishing up")
	case snap.ETASeconds > 0:
		fmt.Fprintf(&sb, "about %s left", (time.Duration(snap.ETASeconds) * time.Second).String())
		if snap.Trend == progress.TrendIncreasing {
			sb.WriteString(" (speeding up)")
		} else if snap.Trend == progress.TrendDecreasing {
			sb.WriteString(" (slowing down)")
		}
	default:
		sb.WriteString("time remaining unknown")
	}
	return sb.String()
}

func formatJobLine(job store.Job) string {
	var extra string
	switch job.State {
	case store.StateFailed:
		extra = " (" + job.Reason + ")"
	case store.StateCancelled:
		if job.Reason == "deadline" {
			extra = " (timed out)"
		}
	case store.StateSucceeded:
		if job.BytesDone > 0 {
			extra = " " + humanize.IBytes(uint64(job.BytesDone))
		}
	}
	return fmt.Sprintf("%s %s %s%s", shortID(job.ID), job.State, job.Target, extra)
}

func formatLimits(info ratelimit.Info) string {
	var sb strings.Builder
	if info.Penalized {
		fmt.Fprintf(&sb, "Penalized for another %s.\n", info.PenaltyRemaining.Round(time.Second))
	}
	classes := make([]string, 0, len(info.Classes))
	for name := range info.Classes {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	for _, name := range classes {
		ci := info.Classes[name]
		fmt.Fprintf(&sb, "%s: %d of %d used\n", name, ci.Used, ci.Limit)
	}
	return sb.String()
}

func bar(percent float64) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * barWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
