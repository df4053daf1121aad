package model

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// StratifiedSplit partitions sample indices so every label lands in both
// the training and the validation side, roughly valFraction of each label
// going to validation. The same seed always gives the same split.
func StratifiedSplit(labels []string, valFraction float64, seed int64) (train, val []int, err error) {
	byLabel := make(map[string][]int)
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
	}

	names := make([]string, 0, len(byLabel))
	for l := range byLabel {
		names = append(names, l)
	}
	sort.Strings(names)

	if len(names) < 2 {
		return nil, nil, errors.Wrapf(ErrTrainingDataInsufficient, "need at least 2 identities, have %d", len(names))
	}

	rng := rand.New(rand.NewSource(seed))
	for _, l := range names {
		idx := byLabel[l]
		if len(idx) < 2 {
			return nil, nil, errors.Wrapf(ErrTrainingDataInsufficient,
				"%q has %d image, need at least 2 to split", l, len(idx))
		}
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nVal := int(math.Ceil(float64(len(idx)) * valFraction))
		if nVal < 1 {
			nVal = 1
		}
		if nVal > len(idx)-1 {
			nVal = len(idx) - 1
		}
		val = append(val, idx[:nVal]...)
		train = append(train, idx[nVal:]...)
	}

	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(val), func(i, j int) { val[i], val[j] = val[j], val[i] })
	return train, val, nil
}
