package units

import (
	"fmt"
	"math"
)

// Binary size units
const (
	KiB int64 = 1024
	MiB       = KiB * 1024
	GiB       = MiB * 1024
	TiB       = GiB * 1024
	PiB       = TiB * 1024
)

var steps = []struct {
	limit int64
	div   float64
	unit  string
}{
	{MiB, float64(KiB), "KiB"},
	{GiB, float64(MiB), "MiB"},
	{TiB, float64(GiB), "GiB"},
	{PiB, float64(TiB), "TiB"},
}

// HumanSize formats a byte count using binary units with two decimals.
// Values under 1 KiB are printed as whole bytes.
func HumanSize(bytes int64) string {
	if bytes < KiB {
		return fmt.Sprintf("%d Bytes", bytes)
	}
	for _, s := range steps {
		if bytes < s.limit {
			return fmt.Sprintf("%.2f %s", round2(float64(bytes)/s.div), s.unit)
		}
	}
	return fmt.Sprintf("%.2f PiB", round2(float64(bytes)/float64(PiB)))
}

// RoundGiB returns bytes expressed in GiB, rounded to two decimals
func RoundGiB(bytes int64) float64 {
	return round2(float64(bytes) / float64(GiB))
}

// GiBToBytes converts a (possibly fractional) GiB amount to bytes
func GiBToBytes(gib float64) int64 {
	return int64(math.Round(gib * float64(GiB)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
