package timex

import "time"

// PeriodFromHz returns the loop period for a requested frequency. freqHz==0
// means "no minimum period" and yields 0.
func PeriodFromHz(freqHz uint32) time.Duration {
	if freqHz == 0 {
		return 0
	}
	return time.Duration(1_000_000_000 / uint64(freqHz))
}
