package capture

// hasGoodBlackLevel rejects frames that are mostly black or mostly lit,
// which IR emitters produce while they warm up or flicker.
func hasGoodBlackLevel(img []byte) bool {
	if len(img) == 0 {
		return false
	}
	dark := 0
	for _, px := range img {
		if px < 80 {
			dark++
		}
	}
	darkness := float64(dark) / float64(len(img))
	return darkness > 0.1 && darkness < 0.7
}
