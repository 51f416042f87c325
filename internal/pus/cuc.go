package pus

import (
	"fmt"
	"math"
	"time"
)

// CCSDSEpoch is the level 1 CUC epoch, 1958-01-01. TAI to UTC leap seconds
// are not applied; the correlation intercept absorbs the constant offset.
var CCSDSEpoch = time.Date(1958, time.January, 1, 0, 0, 0, 0, time.UTC)

// CUCFormat describes how a CCSDS unsegmented time code is laid out.
type CUCFormat struct {
	// ExplicitPField reads the layout from a leading P-field octet.
	ExplicitPField bool `mapstructure:"explicit_p_field"`
	CoarseOctets   int  `mapstructure:"coarse_octets"`
	FineOctets     int  `mapstructure:"fine_octets"`
	// Epoch applies to agency-defined codes and implicit layouts. Zero means
	// CCSDSEpoch.
	Epoch time.Time `mapstructure:"-"`
}

// DefaultCUCFormat is 4 coarse and 3 fine octets without P-field.
func DefaultCUCFormat() CUCFormat {
	return CUCFormat{CoarseOctets: 4, FineOctets: 3}
}

// DecodeCUC decodes a CUC time code at the start of b and returns the time and
// the number of octets consumed.
func DecodeCUC(b []byte, f CUCFormat) (time.Time, int, error) {
	coarse, fine := f.CoarseOctets, f.FineOctets
	epoch := f.Epoch
	if epoch.IsZero() {
		epoch = CCSDSEpoch
	}
	off := 0
	if f.ExplicitPField {
		if len(b) < 1 {
			return time.Time{}, 0, fmt.Errorf("cuc p-field: %w", ErrShortPacket)
		}
		p := b[0]
		off = 1
		if p&0x80 != 0 {
			return time.Time{}, 0, fmt.Errorf("cuc p-field 0x%02X: extended p-field unsupported", p)
		}
		switch (p >> 4) & 0x07 {
		case 1:
			epoch = CCSDSEpoch
		case 2:
		default:
			return time.Time{}, 0, fmt.Errorf("cuc p-field 0x%02X: not a CUC time code", p)
		}
		coarse = int((p>>2)&0x03) + 1
		fine = int(p & 0x03)
	}
	if coarse < 1 || coarse > 7 || fine < 0 || fine > 7 {
		return time.Time{}, 0, fmt.Errorf("cuc layout %d+%d octets invalid", coarse, fine)
	}
	n := off + coarse + fine
	if len(b) < n {
		return time.Time{}, 0, fmt.Errorf("cuc %d+%d octets: %w", coarse, fine, ErrShortPacket)
	}

	var secs uint64
	for _, c := range b[off : off+coarse] {
		secs = secs<<8 | uint64(c)
	}
	var frac uint64
	for _, c := range b[off+coarse : n] {
		frac = frac<<8 | uint64(c)
	}
	nanos := int64(0)
	if fine > 0 {
		nanos = int64(math.Round(float64(frac) / math.Exp2(float64(8*fine)) * 1e9))
	}
	return epoch.Add(time.Duration(secs) * time.Second).Add(time.Duration(nanos)), n, nil
}

// EncodeCUC is the inverse of DecodeCUC for implicit layouts.
func EncodeCUC(t time.Time, f CUCFormat) []byte {
	epoch := f.Epoch
	if epoch.IsZero() {
		epoch = CCSDSEpoch
	}
	d := t.Sub(epoch)
	secs := uint64(d / time.Second)
	rem := d % time.Second
	out := make([]byte, f.CoarseOctets+f.FineOctets)
	for i := f.CoarseOctets - 1; i >= 0; i-- {
		out[i] = byte(secs)
		secs >>= 8
	}
	frac := uint64(math.Round(float64(rem) / 1e9 * math.Exp2(float64(8*f.FineOctets))))
	for i := f.CoarseOctets + f.FineOctets - 1; i >= f.CoarseOctets; i-- {
		out[i] = byte(frac)
		frac >>= 8
	}
	return out
}
