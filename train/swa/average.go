package swa

import (
	. "github.com/gomlx/exceptions"
	"github.com/gradflow/gradflow/nn"
)

// AverageFn combines one parameter value of the averaged model with the
// corresponding value of the live model. numAveraged is how many models have
// been folded into the average so far (always >= 1 when called).
type AverageFn func(avg, src float32, numAveraged int64) float32

// RunningMean is the default AverageFn: the numerically stable incremental
// arithmetic mean, avg + (src-avg)/(n+1).
func RunningMean(avg, src float32, numAveraged int64) float32 {
	return avg + (src-avg)/float32(numAveraged+1)
}

// UpdateParameters folds srcModel's parameters into avgModel, pairing
// parameters by position in the fixed pre-order traversal.
//
// With numAveraged == 0 the source values are copied verbatim, establishing
// the baseline -- the averaging function is not consulted. Otherwise each
// value becomes fn(avg, src, numAveraged). A nil fn means RunningMean.
//
// srcModel is never modified. The two models must be structurally identical;
// a parameter mismatch means the averaged copy diverged from the live model
// and is a bug, not a user error.
func UpdateParameters(avgModel, srcModel nn.Module, numAveraged int64, fn AverageFn) {
	if fn == nil {
		fn = RunningMean
	}
	avgParams := nn.Parameters(avgModel)
	srcParams := nn.Parameters(srcModel)
	if len(avgParams) != len(srcParams) {
		Panicf("swa.UpdateParameters: averaged model has %d parameters, live model has %d -- models diverged",
			len(avgParams), len(srcParams))
	}
	for ii, avg := range avgParams {
		src := srcParams[ii]
		if avg.Size() != src.Size() {
			Panicf("swa.UpdateParameters: parameter #%d sized %d in averaged model, %d in live model -- models diverged",
				ii, avg.Size(), src.Size())
		}
		avgData, srcData := avg.Data(), src.Data()
		if numAveraged == 0 {
			copy(avgData, srcData)
			continue
		}
		for jj := range avgData {
			avgData[jj] = fn(avgData[jj], srcData[jj], numAveraged)
		}
	}
}

// TransferWeights overwrites every parameter of dst with the corresponding
// parameter of src, pairing by position in the fixed pre-order traversal.
// Values are copied into dst's storage, keeping dst's device placement.
// It is a pure copy: calling it twice with the same src is a no-op the
// second time.
func TransferWeights(src, dst nn.Module) {
	srcParams := nn.Parameters(src)
	dstParams := nn.Parameters(dst)
	if len(srcParams) != len(dstParams) {
		Panicf("swa.TransferWeights: source model has %d parameters, destination has %d -- models diverged",
			len(srcParams), len(dstParams))
	}
	for ii, dstParam := range dstParams {
		if err := dstParam.CopyFrom(srcParams[ii]); err != nil {
			Panicf("swa.TransferWeights: parameter #%d: %v", ii, err)
		}
	}
}
