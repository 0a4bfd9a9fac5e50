package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"crumbs/internal/game"

	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)

	numbers = message.NewPrinter(language.English)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

// formatCookies renders whole cookies with thousands separators; fractions are display-only.
func formatCookies(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	if v >= 1e15 {
		return numbers.Sprintf("%.3e", v)
	}
	return numbers.Sprintf("%d", int64(math.Floor(v)))
}

func formatRate(v float64) string {
	if v >= 1e15 {
		return numbers.Sprintf("%.3e", v)
	}
	return numbers.Sprintf("%.1f", v)
}

func formatCount(n int64) string {
	return numbers.Sprintf("%d", n)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func renderStatus(w io.Writer, userID string, state *game.State, lastUpdated time.Time) {
	accent.Fprintf(w, "\n== BAKERY (%s) ==\n", userID)
	fmt.Fprintf(w, "Cookies:       %s\n", formatCookies(state.Currency()))
	fmt.Fprintf(w, "Per second:    %s\n", formatRate(state.YieldPerSecond()))
	if !lastUpdated.IsZero() {
		fmt.Fprintf(w, "Last saved:    %s\n", lastUpdated.Local().Format(time.DateTime))
	}

	fmt.Fprintln(w)
	accent.Fprintln(w, "Producers")
	fmt.Fprintf(w, "%-18s %10s %14s %12s\n", "NAME", "OWNED", "NEXT COST", "CPS EACH")
	for i, p := range state.Producers() {
		cost, _ := state.NextCost(i)
		if !state.Unlocked(i) {
			fmt.Fprintf(w, "%-18s %10s %14s\n", "???", "-", "unlocks at "+formatCookies(state.Catalog().UnlockAt(i)))
			continue
		}
		fmt.Fprintf(w, "%-18s %10s %14s %12s\n",
			truncate(p.Name, 18),
			formatCount(p.Owned),
			formatCookies(cost),
			formatRate(p.BaseYield),
		)
	}

	fmt.Fprintln(w)
	accent.Fprintln(w, "Achievements")
	ids := state.Achievements()
	if len(ids) == 0 {
		neutral.Fprintln(w, "None unlocked yet.")
	}
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", achievementName(state.Catalog(), id))
	}
	fmt.Fprintln(w)
}

func achievementName(c *game.Catalog, id string) string {
	if a, ok := c.Achievement(id); ok {
		return a.Name
	}
	return "#" + id
}
