package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/docker/go-units"

	"modelrm/internal/quant"
	"modelrm/pkg/types"
)

const (
	colorText   = "252"
	colorMuted  = "244"
	colorGreen  = "42"
	colorOrange = "214"
	colorRed    = "203"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorText)).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorText))
)

func styleColor(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }

// pressureColor grades a 0..1 ratio against the warning threshold.
func pressureColor(p, threshold float64) string {
	switch {
	case p > threshold:
		return colorRed
	case p > threshold*0.75:
		return colorOrange
	default:
		return colorGreen
	}
}

func bytesSize(n int64) string { return units.BytesSize(float64(n)) }

func gb(v float64) string {
	if v == 0 {
		return styleColor(colorMuted).Render("-")
	}
	return units.BytesSize(float64(types.GBToBytes(v)))
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleColor(colorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderModels(models []types.ModelMetadata) string {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		levels := make([]string, 0, 4)
		for _, q := range m.Levels() {
			levels = append(levels, q.String())
		}
		rows = append(rows, []string{
			m.ID, m.Provider, string(m.Type), gb(m.SizeGB), gb(m.MinVRAMGB), gb(m.RecommendedVRAMGB),
			strings.Join(levels, ","),
		})
	}
	return renderTable([]string{"ID", "PROVIDER", "TYPE", "SIZE", "MIN VRAM", "REC VRAM", "LEVELS"}, rows)
}

func renderProfile(p types.HardwareProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Compute:"), p.Compute)
	fmt.Fprintf(&b, "%s %s free of %s\n", labelStyle.Render("Host RAM:"),
		styleColor(colorGreen).Render(bytesSize(p.AvailableRAMBytes)), bytesSize(p.TotalRAMBytes))
	if len(p.Accelerators) == 0 {
		b.WriteString(styleColor(colorMuted).Render("no accelerators; models are placed in host RAM"))
		b.WriteString("\n")
		return b.String()
	}
	rows := make([][]string, 0, len(p.Accelerators))
	for _, a := range p.Accelerators {
		rows = append(rows, []string{a.ID, a.Name, a.Compute.String(), bytesSize(a.TotalVRAMBytes), bytesSize(a.AvailableVRAMBytes)})
	}
	b.WriteString(renderTable([]string{"DEVICE", "NAME", "COMPUTE", "TOTAL", "FREE"}, rows))
	b.WriteString("\n")
	return b.String()
}

func renderDevices(devs []types.DeviceStatus, threshold float64) string {
	rows := make([][]string, 0, len(devs))
	for _, d := range devs {
		rows = append(rows, []string{
			d.Device, bytesSize(d.TotalBytes), bytesSize(d.BudgetBytes), bytesSize(d.ReservedBytes),
			bytesSize(d.HeadroomBytes),
			styleColor(pressureColor(d.Pressure, threshold)).Render(fmt.Sprintf("%.1f%%", d.Pressure*100)),
		})
	}
	return renderTable([]string{"DEVICE", "TOTAL", "BUDGET", "RESERVED", "HEADROOM", "PRESSURE"}, rows)
}

func renderStatus(st types.StatusResponse) string {
	var b strings.Builder
	b.WriteString(renderDevices(st.Devices, st.PressureThreshold))
	b.WriteString("\n")
	if len(st.Instances) > 0 {
		rows := make([][]string, 0, len(st.Instances))
		for _, in := range st.Instances {
			rows = append(rows, []string{in.ModelID, in.State, in.Device, in.Quantization.String(), bytesSize(in.ReservedBytes)})
		}
		b.WriteString(renderTable([]string{"MODEL", "STATE", "DEVICE", "QUANT", "RESERVED"}, rows))
		b.WriteString("\n")
	}
	mode := st.ActiveMode
	if mode == "" {
		mode = "-"
	}
	fmt.Fprintf(&b, "%s %s  %s %d  %s %d  %s %d  %s %d\n",
		labelStyle.Render("Mode:"), mode,
		labelStyle.Render("Loads:"), st.LoadsTotal,
		labelStyle.Render("Cleanups:"), st.CleanupsTotal,
		labelStyle.Render("Evictions:"), st.EvictionsTotal,
		labelStyle.Render("Rejections:"), st.RejectionsTotal)
	if st.UnderPressure {
		b.WriteString(styleColor(colorRed).Render(fmt.Sprintf("memory pressure above %.0f%%", st.PressureThreshold*100)))
		b.WriteString("\n")
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Last error:"), styleColor(colorOrange).Render(st.LastError))
	}
	return b.String()
}

func renderDecision(m types.ModelMetadata, d quant.Decision) string {
	return fmt.Sprintf("%s %s at %s on %s (%s)\n", labelStyle.Render("Plan:"), m.ID,
		styleColor(colorGreen).Render(d.Level.String()), d.Device, bytesSize(d.Bytes))
}

func renderAllocations(allocs []types.Allocation) string {
	rows := make([][]string, 0, len(allocs))
	for _, a := range allocs {
		rows = append(rows, []string{a.ModelID, a.Device, a.Quantization.String(), bytesSize(a.ReservedBytes), a.ID})
	}
	return renderTable([]string{"MODEL", "DEVICE", "QUANT", "RESERVED", "ID"}, rows)
}

func renderModes(resp types.ModesResponse) string {
	rows := make([][]string, 0, len(resp.Modes))
	for _, m := range resp.Modes {
		ts := make([]string, 0, len(m.Types))
		for _, t := range m.Types {
			ts = append(ts, string(t))
		}
		active := ""
		if m.Active {
			active = styleColor(colorGreen).Render("*")
		}
		rows = append(rows, []string{active, m.Name, strings.Join(ts, ","), strings.Join(m.Remembered, ",")})
	}
	return renderTable([]string{"", "MODE", "TYPES", "REMEMBERED"}, rows)
}
