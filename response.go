package mixpower

import (
	"fmt"
	"math"
)

// Response selects the scale the mixed model is fitted on.
//
// Reaction times are right-skewed; the log and inverse transforms are the
// usual remedies in lexical-decision analyses. Simulated responses keep their
// model-scale values for refitting and are also mapped back to milliseconds
// so every Dataset keeps an RT column.
type Response string

const (
	ResponseRT        Response = "rt"         // identity
	ResponseLogRT     Response = "log-rt"     // log(RT)
	ResponseInverseRT Response = "inverse-rt" // -1000/RT, keeps direction
)

// ParseResponse validates a response name; "" means rt.
func ParseResponse(s string) (Response, error) {
	switch Response(s) {
	case "", ResponseRT:
		return ResponseRT, nil
	case ResponseLogRT, ResponseInverseRT:
		return Response(s), nil
	}
	return "", fmt.Errorf("unknown response %q (valid: rt, log-rt, inverse-rt)", s)
}

// Forward maps an RT in milliseconds to the model scale.
func (r Response) Forward(rt float64) float64 {
	switch r {
	case ResponseLogRT:
		return math.Log(rt)
	case ResponseInverseRT:
		return -1000 / rt
	default:
		return rt
	}
}

func (r Response) orRT() Response {
	if r == "" {
		return ResponseRT
	}
	return r
}

// Inverse maps a model-scale value back to milliseconds. The boolean is
// false when the value has no valid RT (non-positive or non-finite).
func (r Response) Inverse(y float64) (float64, bool) {
	var rt float64
	switch r {
	case ResponseLogRT:
		rt = math.Exp(y)
	case ResponseInverseRT:
		if y >= 0 {
			return 0, false
		}
		rt = -1000 / y
	default:
		rt = y
	}
	if math.IsNaN(rt) || math.IsInf(rt, 0) || rt <= 0 {
		return 0, false
	}
	return rt, true
}

// Response returns the dataset's response column on scale r. Simulated
// datasets return their draws unchanged when r is the scale they were drawn
// on; otherwise the RT column is transformed.
func (d Dataset) Response(r Response) []float64 {
	out := make([]float64, len(d.obs))
	if d.y != nil && d.scale == r.orRT() {
		copy(out, d.y)
		return out
	}
	for i, o := range d.obs {
		out[i] = r.Forward(o.RT)
	}
	return out
}

// fromResponse builds a dataset whose model-scale column is y. Draws below
// zero on the rt scale are kept and recorded as SimulatedRTFloor in the RT
// column; a value with no RT on the log or inverse scale, or any non-finite
// value, is an ErrSimulation.
func (d Dataset) fromResponse(r Response, y []float64) (Dataset, error) {
	r = r.orRT()
	rts := make([]float64, len(y))
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Dataset{}, fmt.Errorf("%w: row %d value %g on %s scale", ErrSimulation, i, v, r)
		}
		rt, ok := r.Inverse(v)
		if !ok {
			if r != ResponseRT {
				return Dataset{}, fmt.Errorf("%w: row %d value %g on %s scale", ErrSimulation, i, v, r)
			}
			rt = SimulatedRTFloor
		}
		rts[i] = rt
	}
	out := d.withRTs(rts)
	out.y = append([]float64(nil), y...)
	out.scale = r
	return out, nil
}
