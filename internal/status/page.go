package status

import "strconv"

//go:generate templ generate

func percent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func counter(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
