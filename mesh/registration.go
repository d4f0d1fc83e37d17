package mesh

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Registration defaults.
const (
	DefaultConfidenceThreshold = 65.0
	DefaultMatchDistance       = 60
	DefaultRansacIterations    = 2000
	DefaultRansacThreshold     = 3.0 // pixels
	defaultRansacSeed          = 1234
)

// ErrEstimationFailed is returned when enough matches exist but no
// consistent transform could be fitted to them.
var ErrEstimationFailed = errors.New("transform estimation failed")

// Registration is the outcome of aligning two map images: either
// RegistrationSucceeded or RegistrationFailed.
type Registration interface {
	MatchConfidence() int
	registration()
}

// RegistrationSucceeded carries the transform mapping image 2 pixels onto
// image 1 pixels.
type RegistrationSucceeded struct {
	Transform  AffineMatrix
	Confidence int
	Inliers    int
}

// RegistrationFailed means the images did not share enough features.
type RegistrationFailed struct {
	Confidence int
	Reason     string
}

func (r RegistrationSucceeded) MatchConfidence() int { return r.Confidence }
func (r RegistrationFailed) MatchConfidence() int    { return r.Confidence }
func (RegistrationSucceeded) registration()          {}
func (RegistrationFailed) registration()             {}

// RegistrationParams tunes feature matching and the robust fit.
type RegistrationParams struct {
	MaxFeatures         int
	MatchDistance       int
	ConfidenceThreshold float64
	RansacIterations    int
	RansacThreshold     float64
	Seed                int64
}

// DefaultRegistrationParams returns the standard settings.
func DefaultRegistrationParams() RegistrationParams {
	return RegistrationParams{
		MaxFeatures:         DefaultMaxFeatures,
		MatchDistance:       DefaultMatchDistance,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		RansacIterations:    DefaultRansacIterations,
		RansacThreshold:     DefaultRansacThreshold,
		Seed:                defaultRansacSeed,
	}
}

// RegisterImages aligns img2 onto img1. Both images should already be
// smoothed. Confidence is the number of good cross-checked matches; zero or
// below the threshold the result is RegistrationFailed. Above it, a failed fit
// returns ErrEstimationFailed so the caller can skip the cycle.
func RegisterImages(img1, img2 *image.Gray, params RegistrationParams) (Registration, error) {
	f1 := DetectFeatures(img1, params.MaxFeatures)
	f2 := DetectFeatures(img2, params.MaxFeatures)
	if f1.Len() == 0 || f2.Len() == 0 {
		return RegistrationFailed{Reason: fmt.Sprintf("no keypoints (%d vs %d)", f1.Len(), f2.Len())}, nil
	}

	good := GoodMatches(MatchFeatures(f1, f2), params.MatchDistance)
	confidence := len(good)
	if confidence == 0 || float64(confidence) < params.ConfidenceThreshold {
		return RegistrationFailed{
			Confidence: confidence,
			Reason:     fmt.Sprintf("%d good matches below threshold %.1f", confidence, params.ConfidenceThreshold),
		}, nil
	}

	src := make([]Point, len(good))
	dst := make([]Point, len(good))
	for i, m := range good {
		src[i] = f2.Keypoints[m.TrainIdx].Point()
		dst[i] = f1.Keypoints[m.QueryIdx].Point()
	}

	transform, inliers, err := EstimateSimilarityRANSAC(src, dst, params)
	if err != nil {
		return nil, fmt.Errorf("registering %d matches: %w", confidence, err)
	}
	return RegistrationSucceeded{Transform: transform, Confidence: confidence, Inliers: inliers}, nil
}

// EstimateSimilarityRANSAC fits a 4-DOF similarity (rotation, uniform scale,
// translation) mapping src onto dst, robust to outliers. It returns the
// refined transform and its inlier count.
func EstimateSimilarityRANSAC(src, dst []Point, params RegistrationParams) (AffineMatrix, int, error) {
	n := len(src)
	if n < 2 || n != len(dst) {
		return Identity(), 0, fmt.Errorf("%w: need at least 2 correspondences, got %d", ErrEstimationFailed, n)
	}
	iterations := params.RansacIterations
	if iterations <= 0 {
		iterations = DefaultRansacIterations
	}
	threshold := params.RansacThreshold
	if threshold <= 0 {
		threshold = DefaultRansacThreshold
	}

	rng := rand.New(rand.NewSource(params.Seed))
	best := Identity()
	bestInliers := 0
	for it := 0; it < iterations && bestInliers < n; it++ {
		i := rng.Intn(n)
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		m, ok := similarityFromPair(src[i], src[j], dst[i], dst[j])
		if !ok {
			continue
		}
		if count := countInliers(src, dst, m, threshold, nil); count > bestInliers {
			best, bestInliers = m, count
		}
	}
	if bestInliers < 2 {
		return Identity(), 0, fmt.Errorf("%w: no consistent sample", ErrEstimationFailed)
	}

	mask := make([]bool, n)
	countInliers(src, dst, best, threshold, mask)
	var inSrc, inDst []Point
	for k, ok := range mask {
		if ok {
			inSrc = append(inSrc, src[k])
			inDst = append(inDst, dst[k])
		}
	}
	if refined, err := FitSimilarity(inSrc, inDst); err == nil {
		if count := countInliers(src, dst, refined, threshold, nil); count >= bestInliers {
			best, bestInliers = refined, count
		}
	}

	if s := ScaleFactor(best); s < 1e-6 || math.IsNaN(s) || math.IsInf(s, 0) {
		return Identity(), 0, fmt.Errorf("%w: degenerate scale %v", ErrEstimationFailed, s)
	}
	return best, bestInliers, nil
}

// countInliers counts correspondences whose reprojection error is within
// threshold, optionally recording them in mask.
func countInliers(src, dst []Point, m AffineMatrix, threshold float64, mask []bool) int {
	count := 0
	for k := range src {
		ok := Distance(TransformPoint(src[k], m), dst[k]) <= threshold
		if mask != nil {
			mask[k] = ok
		}
		if ok {
			count++
		}
	}
	return count
}

// FitSimilarity solves the least-squares similarity transform
//
//	x' = a*x - b*y + tx
//	y' = b*x + a*y + ty
//
// for at least two correspondences.
func FitSimilarity(src, dst []Point) (AffineMatrix, error) {
	n := len(src)
	if n < 2 || n != len(dst) {
		return Identity(), fmt.Errorf("%w: need at least 2 correspondences, got %d", ErrEstimationFailed, n)
	}

	a := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for k := range src {
		x, y := src[k].X, src[k].Y
		a.SetRow(2*k, []float64{x, -y, 1, 0})
		a.SetRow(2*k+1, []float64{y, x, 0, 1})
		b.SetVec(2*k, dst[k].X)
		b.SetVec(2*k+1, dst[k].Y)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Identity(), fmt.Errorf("%w: least squares: %v", ErrEstimationFailed, err)
	}
	ca, sb := sol.AtVec(0), sol.AtVec(1)
	return AffineMatrix{
		A: ca, B: -sb, Tx: sol.AtVec(2),
		C: sb, D: ca, Ty: sol.AtVec(3),
	}, nil
}
