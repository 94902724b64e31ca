package evaluate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/em-ai/go-detect3d/volumes"
)

// Report maps score names (precision_<label>, recall_<label>, fscore_<label>
// and the *_average keys) to values. Undefined ratios are NaN, never an
// error. A Report is immutable once produced.
type Report map[string]float64

// Aggregate converts per-label match records into precision, recall and
// F-score per label plus their macro-averages.
//
// precision = tp/(tp+fp) and recall = tp/(tp+fn), NaN on a zero denominator.
// fscore = 2*p*r/(p+r) when p+r > 0, NaN otherwise; a NaN precision or
// recall propagates into fscore per IEEE semantics. The averages are the
// plain arithmetic mean of the per-label values as computed, so a NaN entry
// contaminates its average; labels are never skipped. With zero labels no
// average keys are emitted. This stage is pure arithmetic and never fails.
func Aggregate(records map[int32]MatchRecord) Report {
	labels := make([]int32, 0, len(records))
	for label := range records {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	report := make(Report, 3*len(labels)+3)
	precisions := make([]float64, 0, len(labels))
	recalls := make([]float64, 0, len(labels))
	fscores := make([]float64, 0, len(labels))

	for _, label := range labels {
		rec := records[label]

		precision := math.NaN()
		if rec.TP+rec.FP > 0 {
			precision = float64(rec.TP) / float64(rec.TP+rec.FP)
		}
		recall := math.NaN()
		if rec.TP+rec.FN > 0 {
			recall = float64(rec.TP) / float64(rec.TP+rec.FN)
		}
		fscore := math.NaN()
		if precision+recall > 0 {
			fscore = 2 * precision * recall / (precision + recall)
		}

		report[fmt.Sprintf("precision_%d", label)] = precision
		report[fmt.Sprintf("recall_%d", label)] = recall
		report[fmt.Sprintf("fscore_%d", label)] = fscore

		precisions = append(precisions, precision)
		recalls = append(recalls, recall)
		fscores = append(fscores, fscore)
	}

	if len(labels) >= 1 {
		report["precision_average"] = stat.Mean(precisions, nil)
		report["recall_average"] = stat.Mean(recalls, nil)
		report["fscore_average"] = stat.Mean(fscores, nil)
	}
	return report
}

// Score matches a prediction against ground truth and aggregates the result
// in one call.
func Score(pred, truth *volumes.LabelVolume, method Method, threshold float64) (Report, error) {
	records, err := Match(pred, truth, method, threshold)
	if err != nil {
		return nil, err
	}
	return Aggregate(records), nil
}
