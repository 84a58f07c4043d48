package main

import (
	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower"
	"github.com/alexshd/mixpower/internal/report"
)

func newSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select [data.csv]",
		Short: "Fit candidate random-effects structures and pick the best by AIC",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("target") {
				v, _ := cmd.Flags().GetFloat64("target")
				a.cfg.Effect.Target = &v
			}
			d, err := a.loadData(args)
			if err != nil {
				return err
			}
			if d, err = a.applyTarget(d); err != nil {
				return err
			}
			sel, err := a.selectModel(cmd.Context(), d, a.fitter())
			if err != nil {
				return err
			}

			if save, _ := cmd.Flags().GetBool("save"); save {
				st, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				if st != nil {
					defer st.Close()
					if err := st.SaveModel(cmd.Context(), sel.Best); err != nil {
						return err
					}
					a.log.Info("model saved", "id", sel.Best.ID, "store", st.Path())
				} else {
					a.log.Warn("--save ignored: no store configured (store.path / MIXPOWER_STORE)")
				}
			}

			if a.jsonOut {
				return report.JSON(a.out, selectionJSON(sel))
			}
			return a.printer().Selection(sel)
		},
	}
	cmd.Flags().Float64("target", 0, "Set the effect to this size (ms) before fitting")
	cmd.Flags().Bool("save", false, "Store the selected model")
	return cmd
}

type candidateJSON struct {
	Structure string   `json:"structure"`
	Formula   string   `json:"formula"`
	Status    string   `json:"status"`
	Reason    string   `json:"reason,omitempty"`
	AIC       *float64 `json:"aic,omitempty"`
	Singular  bool     `json:"singular,omitempty"`
	NestedIn  string   `json:"nested_in,omitempty"`
	ChiSquare *float64 `json:"chi_square,omitempty"`
	DF        int      `json:"df,omitempty"`
	PValue    *float64 `json:"p_value,omitempty"`
}

type fixedJSON struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	StdErr   float64 `json:"std_err"`
}

type modelJSON struct {
	ID       string             `json:"id"`
	Formula  string             `json:"formula"`
	Fixed    []fixedJSON        `json:"fixed"`
	VarCorr  []mixpower.TermCov `json:"varcorr"`
	Sigma    float64            `json:"sigma"`
	Deviance float64            `json:"deviance"`
	AIC      float64            `json:"aic"`
	Singular bool               `json:"singular"`
}

func modelSummary(m *mixpower.FittedModel) modelJSON {
	out := modelJSON{
		ID:       m.ID,
		Formula:  m.Formula.String(),
		VarCorr:  m.VarCorr(),
		Sigma:    m.Sigma,
		Deviance: m.Deviance,
		AIC:      m.AIC,
		Singular: m.Singular,
	}
	for _, name := range m.FixedNames {
		est, _ := m.Coef(name)
		se, _ := m.StdErr(name)
		out.Fixed = append(out.Fixed, fixedJSON{Name: name, Estimate: est, StdErr: se})
	}
	return out
}

func selectionJSON(s *mixpower.Selection) map[string]any {
	rows := make([]candidateJSON, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		row := candidateJSON{
			Structure: c.Structure.Name,
			Formula:   c.Structure.String(),
			Status:    string(c.Status),
			Reason:    c.Reason,
		}
		if c.Status == mixpower.CandidateConverged {
			aic := c.AIC
			row.AIC = &aic
			row.Singular = c.Model.Singular
			if c.NestedIn != "" {
				chi, p := c.ChiSquare, c.PValue
				row.NestedIn, row.ChiSquare, row.DF, row.PValue = c.NestedIn, &chi, c.DF, &p
			}
		}
		rows = append(rows, row)
	}
	return map[string]any{
		"best":       modelSummary(s.Best),
		"candidates": rows,
	}
}
