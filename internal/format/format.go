// Package format renders byte sizes and large numbers for human-facing
// output.
package format

import (
	"fmt"
	"math"
	"strings"
)

// binary prefixes for values of 1024 and above.
var units = [...]string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// Bytes formats a byte count with a binary prefix and the default precision
// of 3 significant digits.
func Bytes(value uint64) string {
	return BytesWithPrecision(value, 3)
}

// BytesWithPrecision formats a byte count with a binary prefix.
//
// Values below 1024 are printed as plain integers with a "B" suffix. Larger
// values are divided by 1024 until normalized into [1, 1024) and printed with
// the given number of significant digits; the integer part is never rounded
// away, so a precision smaller than the integer digit count prints the
// integer value. A precision below 1 is treated as 1.
func BytesWithPrecision(value uint64, precision int) string {
	const base = 1024

	if value < base {
		return fmt.Sprintf("%d B", value)
	}

	exponent := 0
	for v := value; v >= base; v /= base {
		exponent++
	}

	normalized := float64(value) / math.Pow(base, float64(exponent))
	unit := units[exponent-1]

	if precision < 1 {
		precision = 1
	}

	integerDigits := int(math.Log10(normalized)) + 1

	fractionDigits := 0
	if precision > integerDigits {
		fractionDigits = precision - integerDigits
	}

	return fmt.Sprintf("%.*f %s", fractionDigits, normalized, unit)
}

// ThousandsSeparator renders a number with its digits grouped in threes by
// commas.
func ThousandsSeparator(num uint64) string {
	digits := fmt.Sprintf("%d", num)

	var b strings.Builder
	b.Grow(len(digits) + (len(digits)-1)/3)

	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}

	b.WriteString(digits[:lead])

	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}

	return b.String()
}
