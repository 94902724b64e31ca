// Package evaluate scores predicted label volumes against ground truth.
//
// Predicted object instances are matched one-to-one against ground-truth
// instances of the same label under a configurable spatial criterion, the
// per-label true/false positive and false negative counts are aggregated
// into precision, recall and F-score, and degenerate zero-denominator ratios
// are reported as NaN rather than errors.
package evaluate

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/em-ai/go-detect3d/volumes"
)

// Method is the spatial criterion used to decide whether a predicted
// instance corresponds to a ground-truth instance.
type Method string

const (
	// MethodOverlap matches instances whose shared voxel count meets the
	// threshold.
	MethodOverlap Method = "overlap"
	// MethodIoU matches instances whose intersection-over-union meets the
	// threshold.
	MethodIoU Method = "iou"
	// MethodDistance matches instances whose physical centroid distance is
	// within the threshold.
	MethodDistance Method = "distance"
)

// ParseMethod validates a matching-method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodOverlap, MethodIoU, MethodDistance:
		return Method(s), nil
	}
	return "", errors.Errorf("unknown matching method %q, want overlap, iou or distance", s)
}

// GeometryError reports prediction/ground-truth extents that cannot be
// aligned by center-cropping the ground truth.
type GeometryError struct {
	Pred   volumes.Shape
	Truth  volumes.Shape
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("prediction %v vs ground truth %v: %s", e.Pred, e.Truth, e.Reason)
}

// MatchRecord is the per-label outcome of instance matching.
type MatchRecord struct {
	TP int
	FP int
	FN int
}

// Match scores predicted instances against ground-truth instances per label.
//
// When the volumes differ in shape the ground truth is center-cropped by
// floor((truth-pred)/2) voxels from each side; a prediction larger than the
// ground truth on any axis, or an odd difference that leaves the shapes
// unequal after the symmetric crop, is a GeometryError. The label set is the
// sorted distinct non-background values of the (cropped) ground truth, so
// objects the prediction missed entirely still count as false negatives;
// predicted values absent from the ground truth are not scored. Instances
// are 6-connected components per label value and matching is maximal
// one-to-one under the threshold, best score first.
func Match(pred, truth *volumes.LabelVolume, method Method, threshold float64) (map[int32]MatchRecord, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if pred.VoxelSize() != truth.VoxelSize() {
		return nil, errors.Errorf("voxel size mismatch: prediction %v, ground truth %v",
			pred.VoxelSize(), truth.VoxelSize())
	}

	truth, err := alignTruth(pred, truth)
	if err != nil {
		return nil, err
	}

	labels := truth.Labels()
	records := make(map[int32]MatchRecord, len(labels))
	if len(labels) == 0 {
		return records, nil
	}

	predIDs, predComps := pred.Components()
	truthIDs, truthComps := truth.Components()

	// Shared voxel counts between every overlapping (truth, pred) component
	// pair, in one joint pass.
	overlaps := make(map[[2]int32]int)
	for i, t := range truthIDs {
		p := predIDs[i]
		if t >= 0 && p >= 0 {
			overlaps[[2]int32{t, p}]++
		}
	}

	byLabelTruth := groupByLabel(truthComps)
	byLabelPred := groupByLabel(predComps)

	for _, label := range labels {
		tc := byLabelTruth[label]
		pc := byLabelPred[label]
		tp := matchLabel(tc, pc, truthComps, predComps, overlaps, truth.VoxelSize(), method, threshold)
		records[label] = MatchRecord{
			TP: tp,
			FP: len(pc) - tp,
			FN: len(tc) - tp,
		}
	}
	return records, nil
}

// alignTruth center-crops the ground truth to the prediction's shape.
func alignTruth(pred, truth *volumes.LabelVolume) (*volumes.LabelVolume, error) {
	ps, ts := pred.Shape(), truth.Shape()
	if ps == ts {
		return truth, nil
	}
	var offset volumes.Shape
	for i := range ps {
		diff := ts[i] - ps[i]
		if diff < 0 {
			return nil, &GeometryError{
				Pred: ps, Truth: ts,
				Reason: fmt.Sprintf("prediction exceeds ground truth on axis %s", volumes.Axes[i]),
			}
		}
		offset[i] = diff / 2
		if ts[i]-2*offset[i] != ps[i] {
			return nil, &GeometryError{
				Pred: ps, Truth: ts,
				Reason: fmt.Sprintf("odd extent difference %d on axis %s, symmetric crop cannot align the volumes",
					diff, volumes.Axes[i]),
			}
		}
	}
	return truth.Crop(volumes.ROI{Offset: offset, Shape: ps})
}

// groupByLabel collects component ids per label value.
func groupByLabel(comps []volumes.Instance) map[int32][]int32 {
	out := make(map[int32][]int32)
	for id, c := range comps {
		out[c.Label] = append(out[c.Label], int32(id))
	}
	return out
}

// candidate is one (truth, pred) instance pair eligible for matching.
type candidate struct {
	truth int32
	pred  int32
	score float64
}

// matchLabel computes the maximal one-to-one matching for one label value and
// returns the number of matched ground-truth instances.
func matchLabel(
	truthIDs, predIDs []int32,
	truthComps, predComps []volumes.Instance,
	overlaps map[[2]int32]int,
	voxelSize volumes.VoxelSize,
	method Method,
	threshold float64,
) int {
	if len(truthIDs) == 0 || len(predIDs) == 0 {
		return 0
	}

	var cands []candidate
	switch method {
	case MethodOverlap, MethodIoU:
		for _, t := range truthIDs {
			for _, p := range predIDs {
				inter := overlaps[[2]int32{t, p}]
				if inter == 0 {
					continue
				}
				score := float64(inter)
				if method == MethodIoU {
					union := truthComps[t].Size + predComps[p].Size - inter
					score = float64(inter) / float64(union)
				}
				if score >= threshold {
					cands = append(cands, candidate{truth: t, pred: p, score: score})
				}
			}
		}
		// Best score first.
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].score != cands[j].score {
				return cands[i].score > cands[j].score
			}
			if cands[i].truth != cands[j].truth {
				return cands[i].truth < cands[j].truth
			}
			return cands[i].pred < cands[j].pred
		})
	case MethodDistance:
		for _, t := range truthIDs {
			tc := physicalCentroid(truthComps[t], voxelSize)
			for _, p := range predIDs {
				pc := physicalCentroid(predComps[p], voxelSize)
				d := floats.Distance(tc[:], pc[:], 2)
				if d <= threshold {
					cands = append(cands, candidate{truth: t, pred: p, score: d})
				}
			}
		}
		// Closest pair first.
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].score != cands[j].score {
				return cands[i].score < cands[j].score
			}
			if cands[i].truth != cands[j].truth {
				return cands[i].truth < cands[j].truth
			}
			return cands[i].pred < cands[j].pred
		})
	}

	usedTruth := make(map[int32]bool, len(truthIDs))
	usedPred := make(map[int32]bool, len(predIDs))
	tp := 0
	for _, c := range cands {
		if usedTruth[c.truth] || usedPred[c.pred] {
			continue
		}
		usedTruth[c.truth] = true
		usedPred[c.pred] = true
		tp++
	}
	return tp
}

// physicalCentroid scales a component centroid by the voxel size.
func physicalCentroid(c volumes.Instance, vs volumes.VoxelSize) [3]float64 {
	return [3]float64{
		c.Centroid[0] * vs[0],
		c.Centroid[1] * vs[1],
		c.Centroid[2] * vs[2],
	}
}
