package units

import "fmt"

var decimalAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// HumanSize formats a byte count with decimal units and three significant
// digits, e.g. 1.5MB.
func HumanSize(size float64) string {
	i := 0
	for size >= 1000 && i < len(decimalAbbrs)-1 {
		size /= 1000
		i++
	}
	return fmt.Sprintf("%.3g%s", size, decimalAbbrs[i])
}
