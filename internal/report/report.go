// Package report renders mixpower results as terminal tables or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/alexshd/mixpower"
)

// Printer writes styled output to one writer. Colors follow the writer's
// terminal capabilities, so buffers and pipes get plain text.
type Printer struct {
	w io.Writer
	r *lipgloss.Renderer

	title  lipgloss.Style
	header lipgloss.Style
	muted  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

// New returns a Printer for w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		r:      r,
		title:  r.NewStyle().Bold(true),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		muted:  r.NewStyle().Foreground(lipgloss.Color("#737373")),
		good:   r.NewStyle().Foreground(lipgloss.Color("#22c55e")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("#eab308")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("#ef4444")),
	}
}

func (p *Printer) table(headers []string, rows [][]string) string {
	cell := p.r.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return cell
		})
	return t.String()
}

func (p *Printer) level(l mixpower.ReliabilityLevel) string {
	switch l {
	case mixpower.Reliable:
		return p.good.Render(string(l))
	case mixpower.Warning:
		return p.warn.Render(string(l))
	default:
		return p.bad.Render(string(l))
	}
}

func num(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// Curve prints the curve table and how many levels reach target power.
func (p *Printer) Curve(c *mixpower.Curve, target float64) error {
	fmt.Fprintln(p.w, p.title.Render("Power curve  "+c.Formula))
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(
		"effect %s = %s, alpha %s, test %s, %s %s%% intervals, %d trials/point, seed %d",
		c.Effect, num(c.EffectSize, 2), num(c.Alpha, 3), c.Test, c.Interval,
		num(100*c.Confidence, 0), c.TrialsPerPoint, c.Seed)))

	rows := make([][]string, 0, len(c.Points))
	for _, pt := range c.Points {
		rows = append(rows, []string{
			strconv.Itoa(pt.Breakpoint),
			strconv.Itoa(pt.Effective) + "/" + strconv.Itoa(pt.Trials),
			num(pt.Power, 3),
			"[" + num(pt.Lower, 3) + ", " + num(pt.Upper, 3) + "]",
			num(100*pt.DiscardRate, 1) + "%",
			p.level(pt.Reliability.Level),
		})
	}
	fmt.Fprintln(p.w, p.table(
		[]string{string(c.Factor), "effective", "power", "interval", "discarded", "reliability"}, rows))

	for _, pt := range c.Points {
		if pt.Reliability.Level != mixpower.Reliable {
			fmt.Fprintf(p.w, "  %d: %s", pt.Breakpoint, pt.Reliability.Reason)
			if pt.Reliability.Mitigation != "" {
				fmt.Fprintf(p.w, " (%s)", pt.Reliability.Mitigation)
			}
			fmt.Fprintln(p.w)
		}
	}

	if target > 0 && len(c.Points) > 0 {
		if n, ok := c.LevelsFor(target); ok {
			fmt.Fprintln(p.w, p.good.Render(fmt.Sprintf("%.0f%% power at about %.0f %s",
				100*target, math.Ceil(n), c.Factor)))
		} else {
			fmt.Fprintln(p.w, p.warn.Render(fmt.Sprintf("%.0f%% power not reached within %d %s",
				100*target, c.Points[len(c.Points)-1].Breakpoint, c.Factor)))
		}
	}
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("elapsed %s, fit p50 %s, p99 %s",
		c.Elapsed.Round(1e6), c.FitP50, c.FitP99)))
	return nil
}

// Selection prints the candidate table with the winner marked.
func (p *Printer) Selection(s *mixpower.Selection) error {
	rows := make([][]string, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		mark := ""
		if c.Model != nil && c.Model == s.Best {
			mark = "*"
		}
		aic, lrt := "-", "-"
		if c.Status == mixpower.CandidateConverged {
			aic = num(c.AIC, 2)
			if c.NestedIn != "" {
				lrt = fmt.Sprintf("χ²(%d)=%s p=%s vs %s", c.DF, num(c.ChiSquare, 2), num(c.PValue, 4), c.NestedIn)
			}
		}
		status := string(c.Status)
		if c.Reason != "" {
			status += ": " + truncate(c.Reason, 48)
		}
		rows = append(rows, []string{mark, c.Structure.Name, status, aic, lrt})
	}
	fmt.Fprintln(p.w, p.title.Render("Random-effects structures"))
	fmt.Fprintln(p.w, p.table([]string{"", "structure", "status", "AIC", "LRT"}, rows))
	if s.Best != nil {
		return p.Model(s.Best)
	}
	return nil
}

// Model prints fixed effects and variance components.
func (p *Printer) Model(m *mixpower.FittedModel) error {
	fmt.Fprintln(p.w, p.title.Render(m.Formula.String()))
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("n = %d, deviance %s, AIC %s, singular %t",
		m.NumObs, num(m.Deviance, 2), num(m.AIC, 2), m.Singular)))

	fixed := make([][]string, 0, len(m.FixedNames))
	for _, name := range m.FixedNames {
		est, _ := m.Coef(name)
		se, ok := m.StdErr(name)
		seText := "-"
		if ok {
			seText = num(se, 3)
		}
		fixed = append(fixed, []string{name, num(est, 3), seText})
	}
	fmt.Fprintln(p.w, p.table([]string{"fixed effect", "estimate", "std. error"}, fixed))

	var comps [][]string
	for _, tc := range m.VarCorr() {
		sd := tc.SD()
		for i, name := range tc.Names {
			corr := ""
			if i == 1 {
				corr = num(tc.Corr(), 2)
			}
			comps = append(comps, []string{string(tc.Factor), name, num(sd[i], 3), corr})
		}
	}
	comps = append(comps, []string{"residual", "", num(m.Sigma, 3), ""})
	fmt.Fprintln(p.w, p.table([]string{"group", "name", "std. dev.", "corr"}, comps))
	return nil
}

// Description prints per-condition summaries and design checks.
func (p *Printer) Description(d mixpower.Description, c mixpower.Contrast) error {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf("%d observations, %d participants, %d items",
		d.N, d.Participants, d.Items)))

	rows := make([][]string, 0, len(d.Conditions))
	for _, cs := range d.Conditions {
		rows = append(rows, []string{
			cs.Condition, strconv.Itoa(cs.N), num(cs.Mean, 1), num(cs.SD, 1),
			num(cs.P50, 1), num(cs.P99, 1), num(cs.TailRatio, 2),
		})
	}
	fmt.Fprintln(p.w, p.table([]string{"condition", "n", "mean", "sd", "p50", "p99", "p99/p50"}, rows))

	for _, g := range []mixpower.GroupingFactor{mixpower.Participant, mixpower.Item} {
		if d.Crossed[g] {
			fmt.Fprintln(p.w, p.good.Render(fmt.Sprintf("✓ every %s sees both %s", g, c)))
		} else {
			fmt.Fprintln(p.w, p.warn.Render(fmt.Sprintf("✗ not every %s sees both %s; no by-%s slope", g, c, g)))
		}
	}
	if d.HasEffect {
		fmt.Fprintf(p.w, "effect %s = %s ms\n", c, num(d.Effect, 2))
	} else {
		fmt.Fprintln(p.w, p.bad.Render("effect undefined: a contrast condition has no observations"))
	}
	return nil
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
