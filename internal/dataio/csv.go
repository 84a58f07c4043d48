// Package dataio reads reaction-time data from CSV and writes datasets and
// power curves back out.
package dataio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/alexshd/mixpower"
)

// Columns names the header fields holding the four required values.
type Columns struct {
	Participant string
	Item        string
	Condition   string
	RT          string
}

// DefaultColumns matches the lower-case field names.
func DefaultColumns() Columns {
	return Columns{Participant: "participant", Item: "item", Condition: "condition", RT: "rt"}
}

// Options controls row cleaning. A zero bound is disabled.
type Options struct {
	Columns Columns
	MinRT   float64
	MaxRT   float64
}

// LoadStats counts what happened to each data row.
type LoadStats struct {
	Rows         int `json:"rows"`
	Kept         int `json:"kept"`
	MissingValue int `json:"missing_value"`
	BadRT        int `json:"bad_rt"`
	OutOfBounds  int `json:"out_of_bounds"`
}

// Dropped is the total number of rows removed.
func (s LoadStats) Dropped() int { return s.MissingValue + s.BadRT + s.OutOfBounds }

// ErrNoRows is returned when cleaning leaves nothing to analyse.
var ErrNoRows = errors.New("no usable rows")

// LoadFile opens path and calls Read.
func LoadFile(path string, opts Options) (mixpower.Dataset, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return mixpower.Dataset{}, LoadStats{}, fmt.Errorf("opening data: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Read parses CSV with a header row. Rows with an empty required value, an
// unparsable or non-positive RT, or an RT outside the bounds are dropped and
// counted. Extra columns are ignored.
func Read(r io.Reader, opts Options) (mixpower.Dataset, LoadStats, error) {
	var stats LoadStats
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return mixpower.Dataset{}, stats, fmt.Errorf("reading header: %w", ErrNoRows)
		}
		return mixpower.Dataset{}, stats, fmt.Errorf("reading header: %w", err)
	}
	cols := opts.Columns
	if cols == (Columns{}) {
		cols = DefaultColumns()
	}
	idx, err := columnIndex(header, cols)
	if err != nil {
		return mixpower.Dataset{}, stats, err
	}

	var obs []mixpower.Observation
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return mixpower.Dataset{}, stats, fmt.Errorf("line %d: %w", stats.Rows+2, err)
		}
		stats.Rows++

		o, ok := parseRow(rec, idx, opts, &stats)
		if !ok {
			continue
		}
		obs = append(obs, o)
	}
	stats.Kept = len(obs)
	if len(obs) == 0 {
		return mixpower.Dataset{}, stats, ErrNoRows
	}
	d, err := mixpower.NewDataset(obs)
	if err != nil {
		return mixpower.Dataset{}, stats, err
	}
	return d, stats, nil
}

// index order: participant, item, condition, rt
func columnIndex(header []string, cols Columns) ([4]int, error) {
	want := [4]string{cols.Participant, cols.Item, cols.Condition, cols.RT}
	idx := [4]int{-1, -1, -1, -1}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		for k, w := range want {
			if idx[k] < 0 && strings.EqualFold(h, w) {
				idx[k] = i
			}
		}
	}
	var missing []string
	for k, i := range idx {
		if i < 0 {
			missing = append(missing, want[k])
		}
	}
	if len(missing) > 0 {
		return idx, fmt.Errorf("%w: missing column(s) %s", mixpower.ErrInvalidDataset, strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseRow(rec []string, idx [4]int, opts Options, stats *LoadStats) (mixpower.Observation, bool) {
	var vals [4]string
	for k, i := range idx {
		if i >= len(rec) {
			stats.MissingValue++
			return mixpower.Observation{}, false
		}
		vals[k] = strings.TrimSpace(rec[i])
		if vals[k] == "" || strings.EqualFold(vals[k], "NA") {
			stats.MissingValue++
			return mixpower.Observation{}, false
		}
	}
	rt, err := strconv.ParseFloat(vals[3], 64)
	if err != nil || math.IsNaN(rt) || math.IsInf(rt, 0) || rt <= 0 {
		stats.BadRT++
		return mixpower.Observation{}, false
	}
	if (opts.MinRT > 0 && rt < opts.MinRT) || (opts.MaxRT > 0 && rt > opts.MaxRT) {
		stats.OutOfBounds++
		return mixpower.Observation{}, false
	}
	return mixpower.Observation{
		Participant: vals[0],
		Item:        vals[1],
		Condition:   vals[2],
		RT:          rt,
	}, true
}

// WriteDataset writes d with the default header.
func WriteDataset(w io.Writer, d mixpower.Dataset) error {
	cw := csv.NewWriter(w)
	c := DefaultColumns()
	if err := cw.Write([]string{c.Participant, c.Item, c.Condition, c.RT}); err != nil {
		return err
	}
	for _, o := range d.Observations() {
		row := []string{o.Participant, o.Item, o.Condition, strconv.FormatFloat(o.RT, 'g', -1, 64)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CurveHeader is the header row of WriteCurve.
var CurveHeader = []string{
	"breakpoint", "trials", "effective", "significant", "discarded",
	"power", "lower", "upper", "discard_rate", "reliability",
}

// WriteCurve writes one row per curve point.
func WriteCurve(w io.Writer, c *mixpower.Curve) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CurveHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, p := range c.Points {
		row := []string{
			strconv.Itoa(p.Breakpoint),
			strconv.Itoa(p.Trials),
			strconv.Itoa(p.Effective),
			strconv.Itoa(p.Significant),
			strconv.Itoa(p.Discarded),
			f(p.Power), f(p.Lower), f(p.Upper), f(p.DiscardRate),
			string(p.Reliability.Level),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
