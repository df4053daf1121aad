package model

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

type ClassMetrics struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// Report is the evaluation of a trained classifier on its validation split.
type Report struct {
	Classes     []ClassMetrics `json:"classes"`
	Accuracy    float64        `json:"accuracy"`
	MacroAvg    ClassMetrics   `json:"macro_avg"`
	WeightedAvg ClassMetrics   `json:"weighted_avg"`
	History     []EpochStats   `json:"history"`
	TrainSize   int            `json:"train_size"`
	ValSize     int            `json:"val_size"`
}

// Evaluate compares predicted and true class indices.
func Evaluate(classes []string, truth, predicted []int) *Report {
	k := len(classes)
	tp := make([]int, k)
	fp := make([]int, k)
	fn := make([]int, k)
	support := make([]int, k)

	correct := 0
	for i := range truth {
		t, p := truth[i], predicted[i]
		support[t]++
		if t == p {
			tp[t]++
			correct++
			continue
		}
		fn[t]++
		if p >= 0 && p < k {
			fp[p]++
		}
	}

	r := &Report{Classes: make([]ClassMetrics, k)}
	if len(truth) > 0 {
		r.Accuracy = float64(correct) / float64(len(truth))
	}

	total := 0
	for c := 0; c < k; c++ {
		m := ClassMetrics{
			Label:     classes[c],
			Precision: ratio(tp[c], tp[c]+fp[c]),
			Recall:    ratio(tp[c], tp[c]+fn[c]),
			Support:   support[c],
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.Classes[c] = m
		total += m.Support

		r.MacroAvg.Precision += m.Precision
		r.MacroAvg.Recall += m.Recall
		r.MacroAvg.F1 += m.F1
		w := float64(m.Support)
		r.WeightedAvg.Precision += m.Precision * w
		r.WeightedAvg.Recall += m.Recall * w
		r.WeightedAvg.F1 += m.F1 * w
	}

	r.MacroAvg.Label, r.MacroAvg.Support = "macro avg", total
	r.WeightedAvg.Label, r.WeightedAvg.Support = "weighted avg", total
	if k > 0 {
		r.MacroAvg.Precision /= float64(k)
		r.MacroAvg.Recall /= float64(k)
		r.MacroAvg.F1 /= float64(k)
	}
	if total > 0 {
		r.WeightedAvg.Precision /= float64(total)
		r.WeightedAvg.Recall /= float64(total)
		r.WeightedAvg.F1 /= float64(total)
	}
	return r
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// WriteTo prints the report as an aligned table.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.AlignRight)
	row := func(m ClassMetrics) {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", m.Label, m.Precision, m.Recall, m.F1, m.Support)
	}

	fmt.Fprintf(tw, "\tprecision\trecall\tf1-score\tsupport\t\n")
	for _, m := range r.Classes {
		row(m)
	}
	fmt.Fprintf(tw, "\t\t\t\t\t\n")
	fmt.Fprintf(tw, "accuracy\t\t\t%.2f\t%d\t\n", r.Accuracy, r.WeightedAvg.Support)
	row(r.MacroAvg)
	row(r.WeightedAvg)
	if err := tw.Flush(); err != nil {
		return 0, err
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (r *Report) String() string {
	var sb strings.Builder
	_, _ = r.WriteTo(&sb)
	return sb.String()
}
