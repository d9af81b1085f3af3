package audio

// Level reduces byte frequency data to a normalised loudness in [0, 1]:
// the mean bin value divided by 128.
func Level(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	level := float64(sum) / float64(len(bins)) / 128
	if level > 1 {
		return 1
	}
	return level
}
