package calibration

import (
	"math"
	"math/rand"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform in row-major order
type Homography [9]float64

// Correspondence is a pair of matched pixel positions
type Correspondence struct {
	Zoom    mot.Point
	Spotter mot.Point
}

// Apply maps zoom-frame point into spotter frame. False is returned for points mapped to infinity
func (h Homography) Apply(p mot.Point) (mot.Point, bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return mot.Point{}, false
	}
	return mot.Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, true
}

func (h Homography) dense() *mat.Dense {
	return mat.NewDense(3, 3, h[:])
}

// reprojectionError is distance between projected zoom point and its spotter counterpart
func (h Homography) reprojectionError(c Correspondence) float64 {
	projected, ok := h.Apply(c.Zoom)
	if !ok {
		return math.Inf(1)
	}
	return mot.EuclideanDistance(projected, c.Spotter)
}

// normalization returns Hartley similarity transform moving centroid to origin
// with mean distance sqrt(2)
func normalization(points []mot.Point) *mat.Dense {
	cx, cy := 0.0, 0.0
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(points))
	cx /= n
	cy /= n
	meanDist := 0.0
	for _, p := range points {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n
	s := 1.0
	if meanDist > 0 {
		s = math.Sqrt2 / meanDist
	}
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
}

func transformPoint(t *mat.Dense, p mot.Point) mot.Point {
	return mot.Point{
		X: t.At(0, 0)*p.X + t.At(0, 1)*p.Y + t.At(0, 2),
		Y: t.At(1, 0)*p.X + t.At(1, 1)*p.Y + t.At(1, 2),
	}
}

// FitHomography solves direct linear transform over all correspondences (least squares for more than four)
func FitHomography(corrs []Correspondence) (Homography, error) {
	if len(corrs) < 4 {
		return Homography{}, errors.Wrapf(ErrInsufficientCorrespondences, "homography needs 4 correspondences, got %d", len(corrs))
	}
	src := make([]mot.Point, len(corrs))
	dst := make([]mot.Point, len(corrs))
	for i, c := range corrs {
		src[i] = c.Zoom
		dst[i] = c.Spotter
	}
	tSrc := normalization(src)
	tDst := normalization(dst)

	a := mat.NewDense(2*len(corrs), 9, nil)
	for i := range corrs {
		s := transformPoint(tSrc, src[i])
		d := transformPoint(tDst, dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return Homography{}, errors.Wrap(ErrDegenerateTransform, "SVD factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	// Right singular vector of the smallest singular value
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return Homography{}, errors.Wrap(ErrDegenerateTransform, err.Error())
	}
	var tmp, full mat.Dense
	tmp.Mul(&tDstInv, hn)
	full.Mul(&tmp, tSrc)

	if math.Abs(full.At(2, 2)) < 1e-12 {
		return Homography{}, errors.Wrap(ErrDegenerateTransform, "homography maps origin to infinity")
	}
	full.Scale(1/full.At(2, 2), &full)
	if det := mat.Det(&full); math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return Homography{}, errors.Wrapf(ErrDegenerateTransform, "singular homography, det=%v", det)
	}
	var h Homography
	for i := 0; i < 9; i++ {
		h[i] = full.At(i/3, i%3)
	}
	return h, nil
}

// RANSACConfig controls robust homography estimation
type RANSACConfig struct {
	Iterations int
	// Inlier threshold in spotter pixels
	Threshold float64
	// Seed of sampling. Identical inputs and seed give identical results
	Seed int64
}

// FitHomographyRANSAC estimates homography robust to outliers and refits it on the inlier set.
// It returns the transform and indices of inliers.
func FitHomographyRANSAC(corrs []Correspondence, cfg RANSACConfig, minInliers int) (Homography, []int, error) {
	need := minInliers
	if need < 4 {
		need = 4
	}
	if len(corrs) < need {
		return Homography{}, nil, errors.Wrapf(ErrInsufficientCorrespondences, "need %d correspondences, got %d", need, len(corrs))
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	var bestInliers []int
	sample := make([]Correspondence, 4)
	for iter := 0; iter < cfg.Iterations; iter++ {
		idx := pickDistinct(rng, len(corrs), 4)
		for i, k := range idx {
			sample[i] = corrs[k]
		}
		if hasCollinearTriple(sample) {
			continue
		}
		h, err := FitHomography(sample)
		if err != nil {
			continue
		}
		inliers := collectInliers(h, corrs, cfg.Threshold)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(bestInliers) == len(corrs) {
				break
			}
		}
	}
	if len(bestInliers) < need {
		return Homography{}, nil, errors.Wrapf(ErrInsufficientCorrespondences, "%d inliers, need %d", len(bestInliers), need)
	}

	// Least squares refit on the consensus set
	refitInput := make([]Correspondence, len(bestInliers))
	for i, k := range bestInliers {
		refitInput[i] = corrs[k]
	}
	h, err := FitHomography(refitInput)
	if err != nil {
		return Homography{}, nil, errors.Wrap(err, "refit on inliers failed")
	}
	inliers := collectInliers(h, corrs, cfg.Threshold)
	if len(inliers) < need {
		return Homography{}, nil, errors.Wrapf(ErrInsufficientCorrespondences, "%d inliers after refit, need %d", len(inliers), need)
	}
	return h, inliers, nil
}

func collectInliers(h Homography, corrs []Correspondence, threshold float64) []int {
	inliers := make([]int, 0, len(corrs))
	for i, c := range corrs {
		if h.reprojectionError(c) <= threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// pickDistinct draws k distinct indices from [0, n) by partial Fisher-Yates
func pickDistinct(rng *rand.Rand, n, k int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:k]
}

func hasCollinearTriple(sample []Correspondence) bool {
	for i := 0; i < len(sample); i++ {
		for j := i + 1; j < len(sample); j++ {
			for k := j + 1; k < len(sample); k++ {
				if collinear(sample[i].Zoom, sample[j].Zoom, sample[k].Zoom) || collinear(sample[i].Spotter, sample[j].Spotter, sample[k].Spotter) {
					return true
				}
			}
		}
	}
	return false
}

func collinear(a, b, c mot.Point) bool {
	return math.Abs(cross(a, b, c)) < 1e-9
}

// cross is z-component of (b-a) x (c-a)
func cross(a, b, c mot.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

// rmsError is root mean square reprojection error over given correspondences
func rmsError(h Homography, corrs []Correspondence, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range indices {
		e := h.reprojectionError(corrs[i])
		sum += e * e
	}
	return math.Sqrt(sum / float64(len(indices)))
}
