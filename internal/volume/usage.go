package volume

func percentUsed(used, avail uint64) int {
	total := used + avail
	if total == 0 {
		return 0
	}
	return int((used*100 + total - 1) / total)
}
