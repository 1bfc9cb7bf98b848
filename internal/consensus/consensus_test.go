package consensus

import (
	"math/rand"
	"testing"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(model entity.ModelKind, label entity.Label, conf float64, box entity.Box, seq int) entity.Detection {
	return entity.Detection{Box: box, Label: label, Confidence: conf, Source: model, Seq: seq}
}

func TestClusterEmptyInput(t *testing.T) {
	e := NewEngine(2, 0.5)
	assert.Empty(t, e.Cluster(nil))
}

func TestClusterThreeModelsAgree(t *testing.T) {
	base := entity.Box{X1: 100, Y1: 100, X2: 200, Y2: 300}
	shifted := entity.Box{X1: 102, Y1: 101, X2: 202, Y2: 301}
	require.GreaterOrEqual(t, IoU(base, shifted), 0.9)

	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelPerson, 0.9, base, 0),
		det(entity.ModelTransformer, entity.LabelPerson, 0.8, shifted, 1),
		det(entity.ModelRegionProposal, entity.LabelPerson, 0.7, base, 2),
	}

	for _, threshold := range []int{2, 3} {
		clusters := NewEngine(threshold, 0.5).Cluster(dets)
		require.Len(t, clusters, 1)
		assert.Equal(t, 3, clusters[0].VoteCount)
		assert.True(t, clusters[0].Accepted, "threshold %d", threshold)
		assert.Equal(t, 0.9, clusters[0].MergedConfidence)
		assert.Equal(t, entity.LabelPerson, clusters[0].Label)
	}
}

func TestClusterLoneDetection(t *testing.T) {
	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelAnimal, 0.6, entity.Box{X1: 0, Y1: 0, X2: 50, Y2: 50}, 0),
	}

	rejected := NewEngine(2, 0.5).Cluster(dets)
	require.Len(t, rejected, 1)
	assert.Equal(t, 1, rejected[0].VoteCount)
	assert.False(t, rejected[0].Accepted)

	accepted := NewEngine(1, 0.5).Cluster(dets)
	require.Len(t, accepted, 1)
	assert.True(t, accepted[0].Accepted)
}

func TestClusterOneDetectionPerModel(t *testing.T) {
	box := entity.Box{X1: 10, Y1: 10, X2: 110, Y2: 110}
	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelObject, 0.9, box, 0),
		det(entity.ModelFastCNN, entity.LabelObject, 0.8, box, 1),
		det(entity.ModelTransformer, entity.LabelObject, 0.7, box, 2),
	}

	clusters := NewEngine(2, 0.5).Cluster(dets)
	require.Len(t, clusters, 2)
	assert.Equal(t, 2, clusters[0].VoteCount)
	assert.Equal(t, 1, clusters[1].VoteCount)
	assert.Equal(t, 0.8, clusters[1].Members[0].Confidence)
}

func TestClusterSeparatesLabels(t *testing.T) {
	box := entity.Box{X1: 10, Y1: 10, X2: 110, Y2: 110}
	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelObject, 0.9, box, 0),
		det(entity.ModelTransformer, entity.LabelPerson, 0.9, box, 1),
		det(entity.ModelRegionProposal, entity.LabelAnimal, 0.9, box, 2),
	}

	clusters := NewEngine(1, 0.5).Cluster(dets)
	require.Len(t, clusters, 3)
	assert.Equal(t, entity.LabelPerson, clusters[0].Label)
	assert.Equal(t, entity.LabelAnimal, clusters[1].Label)
	assert.Equal(t, entity.LabelObject, clusters[2].Label)
}

func TestClusterDisjointBoxes(t *testing.T) {
	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelPerson, 0.9, entity.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}, 0),
		det(entity.ModelTransformer, entity.LabelPerson, 0.9, entity.Box{X1: 500, Y1: 500, X2: 600, Y2: 600}, 1),
	}

	clusters := NewEngine(2, 0.5).Cluster(dets)
	require.Len(t, clusters, 2)
	assert.Empty(t, Accepted(clusters))
}

func TestClusterEveryDetectionAssignedOnce(t *testing.T) {
	dets := sampleScene()
	clusters := NewEngine(2, 0.5).Cluster(dets)

	seen := map[int]int{}
	for _, c := range clusters {
		models := map[entity.ModelKind]bool{}
		for _, m := range c.Members {
			seen[m.Seq]++
			assert.False(t, models[m.Source], "model %s twice in one cluster", m.Source)
			models[m.Source] = true
		}
		assert.LessOrEqual(t, c.VoteCount, len(entity.ModelKinds))
		assert.Equal(t, len(models), c.VoteCount)
	}
	require.Len(t, seen, len(dets))
	for seq, n := range seen {
		assert.Equal(t, 1, n, "detection %d", seq)
	}
}

func TestClusterThresholdMonotonic(t *testing.T) {
	dets := sampleScene()
	prev := len(dets) + 1
	for threshold := 1; threshold <= 3; threshold++ {
		n := len(Accepted(NewEngine(threshold, 0.5).Cluster(dets)))
		assert.LessOrEqual(t, n, prev, "threshold %d", threshold)
		prev = n
	}
}

func TestClusterDeterministic(t *testing.T) {
	dets := sampleScene()
	e := NewEngine(2, 0.5)
	first := e.Cluster(dets)

	reversed := make([]entity.Detection, len(dets))
	for i, d := range dets {
		reversed[len(dets)-1-i] = d
	}
	assert.Equal(t, first, e.Cluster(reversed))
}

func TestMergedBoxWeightedByConfidence(t *testing.T) {
	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelPerson, 0.75, entity.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}, 0),
		det(entity.ModelTransformer, entity.LabelPerson, 0.25, entity.Box{X1: 4, Y1: 4, X2: 104, Y2: 104}, 1),
	}

	clusters := NewEngine(2, 0.5).Cluster(dets)
	require.Len(t, clusters, 1)
	assert.InDelta(t, 1.0, clusters[0].MergedBox.X1, 1e-9)
	assert.InDelta(t, 101.0, clusters[0].MergedBox.X2, 1e-9)
}

func TestIoU(t *testing.T) {
	a := entity.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	assert.Equal(t, 1.0, IoU(a, a))
	assert.Equal(t, 0.0, IoU(a, entity.Box{X1: 20, Y1: 20, X2: 30, Y2: 30}))
	assert.InDelta(t, 50.0/150.0, IoU(a, entity.Box{X1: 5, Y1: 0, X2: 15, Y2: 10}), 1e-9)
	assert.Equal(t, 0.0, IoU(a, entity.Box{}))
}

func sampleScene() []entity.Detection {
	return []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelPerson, 0.91, entity.Box{X1: 100, Y1: 100, X2: 300, Y2: 500}, 0),
		det(entity.ModelFastCNN, entity.LabelAnimal, 0.66, entity.Box{X1: 700, Y1: 400, X2: 900, Y2: 560}, 1),
		det(entity.ModelFastCNN, entity.LabelObject, 0.55, entity.Box{X1: 1000, Y1: 50, X2: 1100, Y2: 150}, 2),
		det(entity.ModelTransformer, entity.LabelPerson, 0.88, entity.Box{X1: 105, Y1: 95, X2: 305, Y2: 510}, 3),
		det(entity.ModelTransformer, entity.LabelAnimal, 0.71, entity.Box{X1: 690, Y1: 410, X2: 905, Y2: 570}, 4),
		det(entity.ModelTransformer, entity.LabelPerson, 0.52, entity.Box{X1: 1500, Y1: 100, X2: 1600, Y2: 300}, 5),
		det(entity.ModelRegionProposal, entity.LabelPerson, 0.77, entity.Box{X1: 98, Y1: 102, X2: 298, Y2: 498}, 6),
		det(entity.ModelRegionProposal, entity.LabelObject, 0.61, entity.Box{X1: 400, Y1: 400, X2: 450, Y2: 450}, 7),
	}
}

func TestClusterDriftedMergeKeepsMutualOverlap(t *testing.T) {
	fast := entity.Box{X1: 37.8, Y1: 2.8, X2: 109.6, Y2: 102.1}
	detr := entity.Box{X1: 31.3, Y1: 23.1, X2: 119.3, Y2: 135.4}
	rcnn := entity.Box{X1: 25.8, Y1: 25.5, X2: 141.6, Y2: 103.4}

	dets := []entity.Detection{
		det(entity.ModelFastCNN, entity.LabelPerson, 0.34, fast, 0),
		det(entity.ModelTransformer, entity.LabelPerson, 0.62, detr, 1),
		det(entity.ModelRegionProposal, entity.LabelPerson, 0.51, rcnn, 2),
	}

	clusters := NewEngine(3, 0.5).Cluster(dets)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].VoteCount)
	assert.True(t, clusters[0].Accepted)
}

func TestClusterPairwiseOverlapAlwaysMerges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	models := []entity.ModelKind{entity.ModelFastCNN, entity.ModelTransformer, entity.ModelRegionProposal}
	e := NewEngine(3, 0.5)

	randomBox := func() entity.Box {
		x, y := rng.Float64()*40, rng.Float64()*40
		return entity.Box{X1: x, Y1: y, X2: x + 60 + rng.Float64()*60, Y2: y + 60 + rng.Float64()*60}
	}

	checked := 0
	for i := 0; i < 20000; i++ {
		boxes := []entity.Box{randomBox(), randomBox(), randomBox()}
		if IoU(boxes[0], boxes[1]) < 0.5 || IoU(boxes[0], boxes[2]) < 0.5 || IoU(boxes[1], boxes[2]) < 0.5 {
			continue
		}
		checked++

		dets := make([]entity.Detection, 0, 3)
		for k, b := range boxes {
			dets = append(dets, det(models[k], entity.LabelPerson, 0.3+rng.Float64()*0.7, b, k))
		}

		clusters := e.Cluster(dets)
		require.Len(t, clusters, 1, "boxes %v", boxes)
		assert.Equal(t, 3, clusters[0].VoteCount)
	}
	require.Greater(t, checked, 100)
}
