// Package consensus reconciles detections from several models into voted clusters.
package consensus

import (
	"sort"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/samber/lo"
)

const DefaultIoUThreshold = 0.5

type Engine struct {
	VotingThreshold int
	IoUThreshold    float64
}

func NewEngine(votingThreshold int, iouThreshold float64) Engine {
	if iouThreshold <= 0 {
		iouThreshold = DefaultIoUThreshold
	}
	return Engine{VotingThreshold: votingThreshold, IoUThreshold: iouThreshold}
}

// IoU is the intersection-over-union of a and b.
func IoU(a, b entity.Box) float64 {
	return a.IoU(b)
}

// Cluster groups the detections of one frame. Every detection ends up in
// exactly one cluster and a cluster holds at most one detection per model.
func (e Engine) Cluster(dets []entity.Detection) []entity.ConsensusCluster {
	if len(dets) == 0 {
		return nil
	}

	byLabel := lo.GroupBy(dets, func(d entity.Detection) entity.Label {
		return normalizeLabel(d.Label)
	})

	var clusters []entity.ConsensusCluster
	for _, label := range entity.Labels {
		group, ok := byLabel[label]
		if !ok {
			continue
		}
		clusters = append(clusters, e.clusterGroup(label, group)...)
	}
	return clusters
}

// Accepted filters clusters that reached the voting threshold.
func Accepted(clusters []entity.ConsensusCluster) []entity.ConsensusCluster {
	return lo.Filter(clusters, func(c entity.ConsensusCluster, _ int) bool {
		return c.Accepted
	})
}

func (e Engine) clusterGroup(label entity.Label, group []entity.Detection) []entity.ConsensusCluster {
	sorted := make([]entity.Detection, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Source.Priority() != b.Source.Priority() {
			return a.Source.Priority() < b.Source.Priority()
		}
		return a.Seq < b.Seq
	})

	assigned := make([]bool, len(sorted))
	var out []entity.ConsensusCluster

	for i := range sorted {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		c := entity.ConsensusCluster{Label: label}
		add(&c, sorted[i])

		for joined := true; joined; {
			joined = false
			for j := i + 1; j < len(sorted); j++ {
				if assigned[j] || c.Has(sorted[j].Source) {
					continue
				}
				if e.matches(c, sorted[j]) {
					add(&c, sorted[j])
					assigned[j] = true
					joined = true
				}
			}
		}

		c.Accepted = c.VoteCount >= e.VotingThreshold
		out = append(out, c)
	}
	return out
}

// matches reports whether d overlaps the merged box, or every member, by at
// least the IoU threshold. The member test keeps mutually overlapping
// detections together when the weighted merge drifts away from one of them.
func (e Engine) matches(c entity.ConsensusCluster, d entity.Detection) bool {
	if IoU(d.Box, c.MergedBox) >= e.IoUThreshold {
		return true
	}
	return lo.EveryBy(c.Members, func(m entity.Detection) bool {
		return IoU(d.Box, m.Box) >= e.IoUThreshold
	})
}

func add(c *entity.ConsensusCluster, d entity.Detection) {
	c.Members = append(c.Members, d)
	c.MergedBox = mergeBoxes(c.Members)
	if d.Confidence > c.MergedConfidence {
		c.MergedConfidence = d.Confidence
	}
	c.VoteCount = len(lo.UniqBy(c.Members, func(m entity.Detection) entity.ModelKind { return m.Source }))
}

// mergeBoxes averages member boxes weighted by confidence, falling back to
// the plain mean when every confidence is zero.
func mergeBoxes(members []entity.Detection) entity.Box {
	var sum float64
	for _, m := range members {
		sum += m.Confidence
	}

	var out entity.Box
	for _, m := range members {
		w := 1 / float64(len(members))
		if sum > 0 {
			w = m.Confidence / sum
		}
		out.X1 += m.Box.X1 * w
		out.Y1 += m.Box.Y1 * w
		out.X2 += m.Box.X2 * w
		out.Y2 += m.Box.Y2 * w
	}
	return out
}

func normalizeLabel(l entity.Label) entity.Label {
	switch l {
	case entity.LabelPerson, entity.LabelAnimal:
		return l
	default:
		return entity.LabelObject
	}
}
