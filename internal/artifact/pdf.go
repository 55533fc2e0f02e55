package artifact

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/eventlog"
	"github.com/holla2040/sensorsim/internal/registers"
)

// Report is the content of a status report.
type Report struct {
	Title       string
	Identity    map[string]string
	Status      control.Status
	SignalNames map[int][]string
	Events      []eventlog.Entry
	Scale       float64
}

// GeneratePDF renders r as a PDF: a summary page, one table per unit, and
// the recent control events.
func GeneratePDF(w io.Writer, r Report) error {
	if r.Title == "" {
		r.Title = "Sensor Array Status"
	}
	if r.Scale <= 0 {
		r.Scale = 100
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	// Core fonts are cp1252; signal names may carry UTF-8 units such as "°C".
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, r.Title, "", 1, "C", false, 0, "")
	pdf.Ln(4)

	paused := "running"
	if r.Status.Paused {
		paused = "paused"
	}
	info := []struct{ label, value string }{
		{"Generated", r.Status.Time.Format(time.RFC3339)},
		{"State", paused},
		{"Update interval", fmt.Sprintf("%.1f ms", r.Status.UpdateIntervalMs)},
		{"Print interval", fmt.Sprintf("%.1f ms", r.Status.PrintIntervalMs)},
		{"Units", strconv.Itoa(len(r.Status.Units))},
		{"Active spikes", strconv.Itoa(len(r.Status.ActiveSpikes))},
	}
	for _, key := range []string{"vendor_name", "product_name", "model_name", "revision"} {
		if v, ok := r.Identity[key]; ok {
			info = append(info, struct{ label, value string }{strings.ReplaceAll(key, "_", " "), v})
		}
	}

	for _, item := range info {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, item.label+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	for _, u := range r.Status.Units {
		disabled := make(map[int]bool, len(u.Disabled))
		for _, i := range u.Disabled {
			disabled[i] = true
		}

		pdf.SetFont("Arial", "B", 12)
		title := fmt.Sprintf("Unit %d", u.Unit)
		if u.Paused {
			title += " (paused)"
		}
		pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")

		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(12, 7, "#", "1", 0, "C", true, 0, "")
		pdf.CellFormat(55, 7, "Signal", "1", 0, "L", true, 0, "")
		pdf.CellFormat(15, 7, "Slot", "1", 0, "C", true, 0, "")
		pdf.CellFormat(22, 7, "Raw", "1", 0, "R", true, 0, "")
		pdf.CellFormat(25, 7, "Scaled", "1", 0, "R", true, 0, "")
		pdf.CellFormat(22, 7, "Base", "1", 0, "R", true, 0, "")
		pdf.CellFormat(0, 7, "State", "1", 1, "C", true, 0, "")

		pdf.SetFont("Arial", "", 9)
		for i := 0; i < registers.SignalCount; i++ {
			raw := 0
			if 2*i < len(u.Registers) {
				raw = u.Registers[2*i]
			}
			base := 0
			if i < len(u.BaseHighs) {
				base = u.BaseHighs[i]
			}
			state := "on"
			if disabled[i] {
				state = "disabled"
			}
			pdf.CellFormat(12, 6, strconv.Itoa(i), "1", 0, "C", false, 0, "")
			pdf.CellFormat(55, 6, tr(truncate(signalName(r.SignalNames[u.Unit], i), 32)), "1", 0, "L", false, 0, "")
			pdf.CellFormat(15, 6, strconv.Itoa(2*i), "1", 0, "C", false, 0, "")
			pdf.CellFormat(22, 6, strconv.Itoa(raw), "1", 0, "R", false, 0, "")
			pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", float64(raw)/r.Scale), "1", 0, "R", false, 0, "")
			pdf.CellFormat(22, 6, strconv.Itoa(base), "1", 0, "R", false, 0, "")
			pdf.CellFormat(0, 6, state, "1", 1, "C", false, 0, "")
		}
		pdf.SetFont("Arial", "", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Jitter scale %.3f", u.Params.JitterScale), "", 1, "L", false, 0, "")
		pdf.Ln(4)
	}

	if len(r.Status.ActiveSpikes) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 8, "Active Spikes", "", 1, "L", false, 0, "")

		pdf.SetFont("Arial", "B", 8)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(15, 6, "Unit", "1", 0, "C", true, 0, "")
		pdf.CellFormat(15, 6, "Index", "1", 0, "C", true, 0, "")
		pdf.CellFormat(25, 6, "Magnitude", "1", 0, "R", true, 0, "")
		pdf.CellFormat(40, 6, "Kind", "1", 0, "L", true, 0, "")
		pdf.CellFormat(0, 6, "Expires", "1", 1, "L", true, 0, "")

		pdf.SetFont("Arial", "", 8)
		for _, s := range r.Status.ActiveSpikes {
			pdf.CellFormat(15, 6, strconv.Itoa(s.Unit), "1", 0, "C", false, 0, "")
			pdf.CellFormat(15, 6, strconv.Itoa(s.Index), "1", 0, "C", false, 0, "")
			pdf.CellFormat(25, 6, strconv.Itoa(s.Magnitude), "1", 0, "R", false, 0, "")
			pdf.CellFormat(40, 6, truncate(s.Kind, 22), "1", 0, "L", false, 0, "")
			pdf.CellFormat(0, 6, s.ExpiresAt.Format("15:04:05.000"), "1", 1, "L", false, 0, "")
		}
		pdf.Ln(4)
	}

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, "Control Events", "", 1, "L", false, 0, "")

	if len(r.Events) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 7, "No control events recorded.", "", 1, "L", false, 0, "")
	} else {
		pdf.SetFont("Arial", "B", 8)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(35, 6, "Time", "1", 0, "L", true, 0, "")
		pdf.CellFormat(40, 6, "Operation", "1", 0, "L", true, 0, "")
		pdf.CellFormat(15, 6, "Unit", "1", 0, "C", true, 0, "")
		pdf.CellFormat(0, 6, "Detail", "1", 1, "L", true, 0, "")

		pdf.SetFont("Arial", "", 8)
		for _, e := range r.Events {
			unit := "all"
			if e.Unit != 0 {
				unit = strconv.Itoa(e.Unit)
			}
			pdf.CellFormat(35, 6, e.Timestamp.Format("01-02 15:04:05"), "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, e.Operation, "1", 0, "L", false, 0, "")
			pdf.CellFormat(15, 6, unit, "1", 0, "C", false, 0, "")
			pdf.CellFormat(0, 6, truncate(string(e.Detail), 60), "1", 1, "L", false, 0, "")
		}
	}

	return pdf.Output(w)
}

func signalName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("Signal %d", i)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
