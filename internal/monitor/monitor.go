// Package monitor prints every unit's signals to the console at a fixed
// interval.
package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/registers"
)

const ruleWidth = 70

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	spikeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Monitor renders status snapshots to w.
type Monitor struct {
	plane    *control.Plane
	names    map[int][]string
	interval time.Duration
	scale    float64
	w        io.Writer
}

// New creates a monitor printing plane's state every interval.
func New(plane *control.Plane, names map[int][]string, interval time.Duration, w io.Writer) *Monitor {
	return &Monitor{plane: plane, names: names, interval: interval, scale: 100, w: w}
}

// Run prints until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(m.w, m.Render(m.plane.GetStatus()))
		}
	}
}

// Render formats one status snapshot: a header line, then one block per unit
// with a line per signal.
func (m *Monitor) Render(st control.Status) string {
	var b strings.Builder
	rule := strings.Repeat("=", ruleWidth)

	b.WriteString(rule + "\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("Fast Monitor @ %s (prints every %gms)",
		st.Time.Format("15:04:05"), st.PrintIntervalMs)))
	b.WriteString("\n")

	spiking := make(map[[2]int]bool, len(st.ActiveSpikes))
	for _, s := range st.ActiveSpikes {
		spiking[[2]int{s.Unit, s.Index}] = true
	}

	for _, u := range st.Units {
		b.WriteString(dimStyle.Render(strings.Repeat("-", ruleWidth)))
		b.WriteString("\n")
		header := fmt.Sprintf("Unit %d", u.Unit)
		if u.Paused {
			header += " " + pausedStyle.Render("PAUSED")
		}
		b.WriteString(titleStyle.Render(header) + "\n")

		disabled := make(map[int]bool, len(u.Disabled))
		for _, i := range u.Disabled {
			disabled[i] = true
		}
		for i := 0; i < registers.SignalCount && 2*i+1 < len(u.Registers); i++ {
			raw := u.Registers[2*i]
			line := fmt.Sprintf("%-22s | %8.3f  (regs %d,%d => %d)",
				m.signalName(u.Unit, i), float64(raw)/m.scale, 2*i, 2*i+1, raw)
			switch {
			case disabled[i]:
				line = dimStyle.Render(line + "  off")
			case spiking[[2]int{u.Unit, i}]:
				line += "  " + spikeStyle.Render("spike")
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func (m *Monitor) signalName(unit, i int) string {
	if names := m.names[unit]; i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("Signal %d", i)
}
