package detections

import (
	"math"
	"sort"

	"github.com/Tutortoise/face-prediction-demo/models"
)

const (
	DefaultClusterSize = 50.0
	IouThreshold       = 0.45
)

// ClusterBoxes merges the overlapping candidates a detector emits for one
// face into a single box. Input must be sorted by confidence; the output
// keeps that order by each cluster's best candidate.
func ClusterBoxes(detections []models.Detection) []models.BoundingBox {
	if len(detections) == 0 {
		return nil
	}

	medianSize := calculateMedianSize(detections)
	eps := math.Max(medianSize, DefaultClusterSize) * 0.5
	minPoints := 1
	if len(detections) > 3 {
		minPoints = 2
	}

	points := make([][]float64, len(detections))
	for i, det := range detections {
		r := det.Box.Rect()
		points[i] = []float64{
			float64(r.Min.X),
			float64(r.Min.Y),
			float64(r.Max.X),
			float64(r.Max.Y),
		}
	}

	clusters := dbscan(points, eps, minPoints)
	return processClusters(detections, clusters)
}

func calculateMedianSize(detections []models.Detection) float64 {
	sizes := make([]float64, len(detections))
	for i, det := range detections {
		sizes[i] = math.Sqrt(float64(det.Box.Width) * float64(det.Box.Height))
	}

	sort.Float64s(sizes)
	if len(sizes) == 0 {
		return DefaultClusterSize
	}
	return sizes[len(sizes)/2]
}

func processClusters(detections []models.Detection, clusters []int) []models.BoundingBox {
	type group struct {
		first int
		boxes []models.BoundingBox
	}
	var groups []*group
	byCluster := make(map[int]*group)

	for i, cluster := range clusters {
		box := detections[i].Box
		if cluster == -1 {
			// noise joins the first group it overlaps, or stands alone
			var target *group
			for _, g := range groups {
				for _, existing := range g.boxes {
					if calculateIOU(box, existing) > IouThreshold {
						target = g
						break
					}
				}
				if target != nil {
					break
				}
			}
			if target == nil {
				target = &group{first: i}
				groups = append(groups, target)
			}
			target.boxes = append(target.boxes, box)
			continue
		}

		g, ok := byCluster[cluster]
		if !ok {
			g = &group{first: i}
			byCluster[cluster] = g
			groups = append(groups, g)
		}
		g.boxes = append(g.boxes, box)
	}

	sort.SliceStable(groups, func(a, b int) bool { return groups[a].first < groups[b].first })

	finalBoxes := make([]models.BoundingBox, 0, len(groups))
	for _, g := range groups {
		finalBoxes = append(finalBoxes, mergeBoxes(g.boxes))
	}
	return finalBoxes
}

func calculateIOU(box1, box2 models.BoundingBox) float64 {
	inter := box1.Rect().Intersect(box2.Rect())
	if inter.Empty() {
		return 0.0
	}

	intersection := float64(inter.Dx() * inter.Dy())
	area1 := float64(box1.Width * box1.Height)
	area2 := float64(box2.Width * box2.Height)
	union := area1 + area2 - intersection

	return intersection / union
}

func mergeBoxes(boxes []models.BoundingBox) models.BoundingBox {
	if len(boxes) == 0 {
		return models.BoundingBox{}
	}

	result := boxes[0].Rect()
	for _, box := range boxes[1:] {
		result = result.Union(box.Rect())
	}
	return models.BoxFromRect(result)
}

func dbscan(points [][]float64, eps float64, minPoints int) []int {
	n := len(points)
	clusters := make([]int, n)
	for i := range clusters {
		clusters[i] = -1
	}

	currentCluster := 0
	for i := 0; i < n; i++ {
		if clusters[i] != -1 {
			continue
		}

		neighbors := getNeighbors(points, i, eps)
		if len(neighbors) < minPoints {
			continue
		}

		clusters[i] = currentCluster
		expandCluster(points, clusters, neighbors, currentCluster, eps, minPoints)
		currentCluster++
	}

	return clusters
}

func getNeighbors(points [][]float64, pointIdx int, eps float64) []int {
	var neighbors []int
	for i := range points {
		if distance(points[pointIdx], points[i]) <= eps {
			neighbors = append(neighbors, i)
		}
	}
	return neighbors
}

func expandCluster(points [][]float64, clusters []int, neighbors []int, cluster int, eps float64, minPoints int) {
	for i := 0; i < len(neighbors); i++ {
		pointIdx := neighbors[i]
		if clusters[pointIdx] == -1 {
			clusters[pointIdx] = cluster
			newNeighbors := getNeighbors(points, pointIdx, eps)
			if len(newNeighbors) >= minPoints {
				neighbors = append(neighbors, newNeighbors...)
			}
		}
	}
}

func distance(p1, p2 []float64) float64 {
	sum := 0.0
	for i := range p1 {
		diff := p1[i] - p2[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
