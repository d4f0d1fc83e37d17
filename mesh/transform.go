package mesh

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// TransformPoint applies an affine transform to a point
// x' = a*x + b*y + tx
// y' = c*x + d*y + ty
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// TransformPoints applies an affine transform to multiple points
func TransformPoints(points []Point, m AffineMatrix) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// NormalizeAngle wraps an angle in radians to (-pi, pi].
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad <= -math.Pi {
		rad += 2 * math.Pi
	} else if rad > math.Pi {
		rad -= 2 * math.Pi
	}
	return rad
}

// RotationAngle extracts the rotation of a similarity transform in radians.
func RotationAngle(m AffineMatrix) float64 {
	return math.Atan2(m.C, m.A)
}

// ScaleFactor extracts the uniform scale of a similarity transform.
func ScaleFactor(m AffineMatrix) float64 {
	return math.Hypot(m.A, m.C)
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// similarityFromPair computes the rotation + uniform scale + translation
// mapping source[0..1] onto target[0..1]. ok is false for degenerate pairs.
func similarityFromPair(s0, s1, t0, t1 Point) (AffineMatrix, bool) {
	sx, sy := s1.X-s0.X, s1.Y-s0.Y
	tx, ty := t1.X-t0.X, t1.Y-t0.Y
	srcLen := math.Hypot(sx, sy)
	tgtLen := math.Hypot(tx, ty)
	if srcLen < 1e-10 || tgtLen < 1e-10 {
		return Identity(), false
	}

	scale := tgtLen / srcLen
	angle := math.Atan2(ty, tx) - math.Atan2(sy, sx)
	a := scale * math.Cos(angle)
	c := scale * math.Sin(angle)

	return AffineMatrix{
		A: a, B: -c, Tx: t0.X - (a*s0.X - c*s0.Y),
		C: c, D: a, Ty: t0.Y - (c*s0.X + a*s0.Y),
	}, true
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Point) float64 {
	return planar.Distance(orb.Point{p1.X, p1.Y}, orb.Point{p2.X, p2.Y})
}
