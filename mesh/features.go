package mesh

import (
	"image"
	"math"
	"math/bits"
	"math/rand"
	"sort"
)

// Feature detection settings. Descriptors sample a 31x31 patch, so
// keypoints keep featureMargin pixels away from the image edge.
const (
	DefaultMaxFeatures = 1000

	fastThreshold    = 20
	fastArcLength    = 9
	harrisK          = 0.04
	harrisBlockHalf  = 3
	orientationRad   = 15
	briefPairs       = 256
	briefPatternRad  = 13
	briefSmoothHalf  = 2
	featureMargin    = orientationRad + 1
	briefPatternSeed = 0x5eed
)

// Keypoint is a detected corner with its orientation in radians.
type Keypoint struct {
	X        int
	Y        int
	Angle    float64
	Response float64
}

// Point returns the keypoint position in continuous image coordinates,
// where pixel (x, y) covers [x, x+1) x [y, y+1).
func (k Keypoint) Point() Point {
	return Point{X: float64(k.X) + 0.5, Y: float64(k.Y) + 0.5}
}

// Descriptor is a 256-bit binary patch descriptor.
type Descriptor [4]uint64

// HammingDistance counts differing bits.
func HammingDistance(a, b Descriptor) int {
	return bits.OnesCount64(a[0]^b[0]) + bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) + bits.OnesCount64(a[3]^b[3])
}

// FeatureSet holds keypoints and their descriptors, index-aligned.
type FeatureSet struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len returns the number of features.
func (fs FeatureSet) Len() int { return len(fs.Keypoints) }

// fastCircle is the 16-pixel Bresenham circle of radius 3, clockwise from
// the top.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// briefPattern holds the rotated-BRIEF test pairs: x1, y1, x2, y2.
var briefPattern = generateBriefPattern()

func generateBriefPattern() [briefPairs][4]float64 {
	rng := rand.New(rand.NewSource(briefPatternSeed))
	sigma := float64(2*orientationRad+1) / 5
	sample := func() (float64, float64) {
		for {
			x := math.Round(rng.NormFloat64() * sigma)
			y := math.Round(rng.NormFloat64() * sigma)
			if x*x+y*y <= briefPatternRad*briefPatternRad {
				return x, y
			}
		}
	}
	var p [briefPairs][4]float64
	for i := range p {
		for {
			x1, y1 := sample()
			x2, y2 := sample()
			if x1 != x2 || y1 != y2 {
				p[i] = [4]float64{x1, y1, x2, y2}
				break
			}
		}
	}
	return p
}

// DetectFeatures finds up to maxFeatures oriented corners in img and
// computes their descriptors. Corners are FAST-9 detections ranked by
// Harris response; ties keep raster order so results are deterministic.
func DetectFeatures(img *image.Gray, maxFeatures int) FeatureSet {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 2*featureMargin || h <= 2*featureMargin || maxFeatures <= 0 {
		return FeatureSet{}
	}
	pix := func(x, y int) int {
		return int(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	// --- Step 1: FAST corners with score ---
	scores := make([]int, w*h)
	for y := featureMargin; y < h-featureMargin; y++ {
		for x := featureMargin; x < w-featureMargin; x++ {
			scores[y*w+x] = fastScore(pix, x, y)
		}
	}

	// --- Step 2: Non-maximum suppression and Harris ranking ---
	var kps []Keypoint
	for y := featureMargin; y < h-featureMargin; y++ {
		for x := featureMargin; x < w-featureMargin; x++ {
			s := scores[y*w+x]
			if s == 0 || !isLocalMax(scores, w, x, y) {
				continue
			}
			kps = append(kps, Keypoint{X: x, Y: y, Response: harrisResponse(pix, x, y)})
		}
	}
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })
	if len(kps) > maxFeatures {
		kps = kps[:maxFeatures]
	}

	// --- Step 3: Orientation and descriptors ---
	integral := newIntegralImage(img)
	fs := FeatureSet{
		Keypoints:   make([]Keypoint, len(kps)),
		Descriptors: make([]Descriptor, len(kps)),
	}
	for i, kp := range kps {
		kp.Angle = intensityCentroidAngle(pix, kp.X, kp.Y)
		fs.Keypoints[i] = kp
		fs.Descriptors[i] = describe(integral, kp)
	}
	return fs
}

// fastScore returns 0 unless at least fastArcLength contiguous circle pixels
// are all brighter or all darker than the centre by fastThreshold. The score
// is the summed excess contrast over the circle.
func fastScore(pix func(x, y int) int, x, y int) int {
	p := pix(x, y)
	var brighter, darker uint32
	score := 0
	for i, off := range fastCircle {
		v := pix(x+off[0], y+off[1])
		switch {
		case v > p+fastThreshold:
			brighter |= 1 << i
			score += v - p - fastThreshold
		case v < p-fastThreshold:
			darker |= 1 << i
			score += p - v - fastThreshold
		}
	}
	if hasArc(brighter) || hasArc(darker) {
		return score
	}
	return 0
}

// hasArc reports whether the 16-bit ring mask has fastArcLength consecutive
// set bits, wrapping around.
func hasArc(mask uint32) bool {
	if bits.OnesCount32(mask) < fastArcLength {
		return false
	}
	ring := mask | mask<<16
	run := 0
	for i := 0; i < 32; i++ {
		if ring&(1<<i) != 0 {
			run++
			if run >= fastArcLength {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// isLocalMax keeps the strongest corner of each 3x3 neighbourhood. Equal
// scores favour the earliest pixel in raster order.
func isLocalMax(scores []int, w, x, y int) bool {
	s := scores[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			if n > s {
				return false
			}
			if n == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// harrisResponse computes det(M) - k*trace(M)^2 over a 7x7 block of Sobel
// gradients.
func harrisResponse(pix func(x, y int) int, x, y int) float64 {
	var a, b, c float64
	for dy := -harrisBlockHalf; dy <= harrisBlockHalf; dy++ {
		for dx := -harrisBlockHalf; dx <= harrisBlockHalf; dx++ {
			px, py := x+dx, y+dy
			gx := float64(pix(px+1, py-1) + 2*pix(px+1, py) + pix(px+1, py+1) -
				pix(px-1, py-1) - 2*pix(px-1, py) - pix(px-1, py+1))
			gy := float64(pix(px-1, py+1) + 2*pix(px, py+1) + pix(px+1, py+1) -
				pix(px-1, py-1) - 2*pix(px, py-1) - pix(px+1, py-1))
			a += gx * gx
			b += gx * gy
			c += gy * gy
		}
	}
	return a*c - b*b - harrisK*(a+c)*(a+c)
}

// intensityCentroidAngle orients a keypoint towards the intensity centroid
// of the circular patch around it.
func intensityCentroidAngle(pix func(x, y int) int, x, y int) float64 {
	var m01, m10 float64
	r2 := orientationRad * orientationRad
	for dy := -orientationRad; dy <= orientationRad; dy++ {
		for dx := -orientationRad; dx <= orientationRad; dx++ {
			if dx*dx+dy*dy > r2 {
				continue
			}
			v := float64(pix(x+dx, y+dy))
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

// describe samples the steered BRIEF pattern on the box-smoothed image.
func describe(ii *integralImage, kp Keypoint) Descriptor {
	cos, sin := math.Cos(kp.Angle), math.Sin(kp.Angle)
	rot := func(px, py float64) (int, int) {
		return kp.X + int(math.Round(cos*px-sin*py)), kp.Y + int(math.Round(sin*px+cos*py))
	}
	var d Descriptor
	for i, pair := range briefPattern {
		x1, y1 := rot(pair[0], pair[1])
		x2, y2 := rot(pair[2], pair[3])
		if ii.boxSum(x1, y1, briefSmoothHalf) < ii.boxSum(x2, y2, briefSmoothHalf) {
			d[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return d
}

// integralImage supports constant-time box sums for descriptor smoothing.
type integralImage struct {
	w, h int
	sum  []int64 // (w+1) x (h+1)
}

func newIntegralImage(img *image.Gray) *integralImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ii := &integralImage{w: w, h: h, sum: make([]int64, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		var row int64
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			row += int64(img.Pix[off+x])
			ii.sum[(y+1)*(w+1)+x+1] = ii.sum[y*(w+1)+x+1] + row
		}
	}
	return ii
}

// boxSum returns the pixel sum of the (2r+1)^2 box centred on (x, y),
// clipped to the image.
func (ii *integralImage) boxSum(x, y, r int) int64 {
	x0 := clampInt(x-r, 0, ii.w)
	y0 := clampInt(y-r, 0, ii.h)
	x1 := clampInt(x+r+1, 0, ii.w)
	y1 := clampInt(y+r+1, 0, ii.h)
	s := ii.w + 1
	return ii.sum[y1*s+x1] - ii.sum[y0*s+x1] - ii.sum[y1*s+x0] + ii.sum[y0*s+x0]
}

// Match pairs feature QueryIdx of one set with TrainIdx of another.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance int
}

// MatchFeatures runs brute-force Hamming matching with cross-checking: a
// pair survives only when each side is the other's nearest neighbour.
// Ties resolve to the lowest index. Results are ordered by query index.
func MatchFeatures(query, train FeatureSet) []Match {
	if query.Len() == 0 || train.Len() == 0 {
		return nil
	}
	bestTrain := make([]int, query.Len())
	bestTrainDist := make([]int, query.Len())
	bestQuery := make([]int, train.Len())
	bestQueryDist := make([]int, train.Len())
	for j := range bestQueryDist {
		bestQueryDist[j] = math.MaxInt
	}

	for i, qd := range query.Descriptors {
		bestTrainDist[i] = math.MaxInt
		for j, td := range train.Descriptors {
			d := HammingDistance(qd, td)
			if d < bestTrainDist[i] {
				bestTrainDist[i] = d
				bestTrain[i] = j
			}
			if d < bestQueryDist[j] {
				bestQueryDist[j] = d
				bestQuery[j] = i
			}
		}
	}

	var matches []Match
	for i, j := range bestTrain {
		if bestQuery[j] == i {
			matches = append(matches, Match{QueryIdx: i, TrainIdx: j, Distance: bestTrainDist[i]})
		}
	}
	return matches
}

// GoodMatches keeps matches strictly closer than maxDistance, nearest first.
func GoodMatches(matches []Match, maxDistance int) []Match {
	good := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Distance < maxDistance {
			good = append(good, m)
		}
	}
	sort.SliceStable(good, func(i, j int) bool { return good[i].Distance < good[j].Distance })
	return good
}
