// Package evaluation measures classifier quality against analyst verdicts.
package evaluation

import "github.com/lvonguyen/labelforge/internal/event"

// Confusion counts machine decisions against human verdicts.
type Confusion struct {
	TP, FP, TN, FN int
}

// Add records one comparison.
func (c *Confusion) Add(ml, human bool) { c.addN(ml, human, 1) }

func (c *Confusion) addN(ml, human bool, n int) {
	switch {
	case ml && human:
		c.TP += n
	case ml && !human:
		c.FP += n
	case !ml && !human:
		c.TN += n
	default:
		c.FN += n
	}
}

// Total is the number of comparisons recorded.
func (c Confusion) Total() int { return c.TP + c.FP + c.TN + c.FN }

// Scores are the derived metrics. Any ratio with a zero denominator is 0.
type Scores struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// Compute derives accuracy, precision, recall and F1 from c.
func Compute(c Confusion) Scores {
	p := ratio(c.TP, c.TP+c.FP)
	r := ratio(c.TP, c.TP+c.FN)
	var f1 float64
	if p+r > 0 {
		f1 = 2 * p * r / (p + r)
	}
	return Scores{
		Accuracy:  ratio(c.TP+c.TN, c.Total()),
		Precision: p,
		Recall:    r,
		F1:        f1,
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// classTally accumulates (human, ml) attack-type pairs so per-class scores can
// be computed one-vs-rest after all pages are read.
type classTally map[[2]string]int

func (t classTally) add(human, ml string) {
	t[[2]string{human, ml}]++
}

// metrics computes one-vs-rest scores for every attack type an analyst assigned.
func (t classTally) metrics() map[string]event.ClassMetrics {
	classes := make(map[string]struct{})
	for pair := range t {
		classes[pair[0]] = struct{}{}
	}

	out := make(map[string]event.ClassMetrics, len(classes))
	for class := range classes {
		var c Confusion
		for pair, n := range t {
			c.addN(pair[1] == class, pair[0] == class, n)
		}
		s := Compute(c)
		out[class] = event.ClassMetrics{
			Precision: s.Precision,
			Recall:    s.Recall,
			F1Score:   s.F1,
			Support:   c.TP + c.FN,
		}
	}
	return out
}
