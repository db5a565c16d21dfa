package storage

import "github.com/pipedal/pipedal-host/pedalboard"

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStateMap(m map[string]pedalboard.StateValue) map[string]pedalboard.StateValue {
	if m == nil {
		return nil
	}
	out := make(map[string]pedalboard.StateValue, len(m))
	for k, v := range m {
		vv := v
		vv.Binary = append([]byte(nil), v.Binary...)
		out[k] = vv
	}
	return out
}
