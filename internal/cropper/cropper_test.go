package cropper

import (
	"math"
	"testing"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCropper(t *testing.T, ratio entity.AspectRatio, padding float64) *Cropper {
	t.Helper()
	opts := DefaultOptions()
	opts.Ratio = ratio
	opts.MinPadding = padding
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func cluster(label entity.Label, box entity.Box) entity.ConsensusCluster {
	return entity.ConsensusCluster{Label: label, MergedBox: box, MergedConfidence: 0.9, VoteCount: 2, Accepted: true}
}

func TestCropRatioAlwaysExact(t *testing.T) {
	ratios := []entity.AspectRatio{
		entity.Ratio9x16, entity.Ratio3x4, entity.Ratio1x1,
		entity.Ratio4x5, entity.Ratio16x9, entity.Ratio4x3,
	}
	frames := [][2]int{{1920, 1080}, {1080, 1920}, {640, 480}, {3840, 2160}}
	boxes := []entity.Box{
		{X1: 0, Y1: 0, X2: 50, Y2: 50},
		{X1: 100, Y1: 100, X2: 400, Y2: 380},
		{X1: 10, Y1: 5, X2: 630, Y2: 470},
		{X1: 300, Y1: 20, X2: 340, Y2: 460},
		{X1: 200, Y1: 200, X2: 202, Y2: 210},
	}

	for _, ratio := range ratios {
		for _, padding := range []float64{0, 50, 500} {
			c := newCropper(t, ratio, padding)
			for _, f := range frames {
				for _, b := range boxes {
					for _, label := range entity.Labels {
						region := c.Crop(cluster(label, b), f[0], f[1])
						r := region.Rect
						require.Greater(t, r.H(), 0.0)
						assert.InDelta(t, ratio.Value(), r.W()/r.H(), 1e-3, "ratio %s frame %v box %+v", ratio, f, b)
						assert.GreaterOrEqual(t, r.X1, -1e-6)
						assert.GreaterOrEqual(t, r.Y1, -1e-6)
						assert.LessOrEqual(t, r.X2, float64(f[0])+1e-6)
						assert.LessOrEqual(t, r.Y2, float64(f[1])+1e-6)
						assert.Equal(t, ratio, region.TargetRatio)
					}
				}
			}
		}
	}
}

func TestCropAmpleMarginNotClamped(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 100)
	region := c.Crop(cluster(entity.LabelObject, entity.Box{X1: 1820, Y1: 880, X2: 2020, Y2: 1280}), 3840, 2160)

	assert.False(t, region.Clamped)
	cx, cy := region.Rect.Center()
	assert.InDelta(t, 1920, cx, 1e-6)
	assert.InDelta(t, 1080, cy, 1e-6)
}

func TestCropEdgeTouchingSubjectIsClamped(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 10)
	region := c.Crop(cluster(entity.LabelObject, entity.Box{X1: 0, Y1: 400, X2: 100, Y2: 600}), 1920, 1080)
	assert.True(t, region.Clamped)
}

func TestCropOversizedSubjectScaledToFrame(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 500)
	region := c.Crop(cluster(entity.LabelObject, entity.Box{X1: 600, Y1: 100, X2: 1300, Y2: 900}), 1920, 1080)

	assert.True(t, region.Clamped)
	assert.InDelta(t, 1080, region.Rect.H(), 1e-6)
	assert.InDelta(t, 9.0/16.0, region.Rect.W()/region.Rect.H(), 1e-3)
}

func TestCropTallPersonWidenedOrClamped(t *testing.T) {
	subject := entity.Box{X1: 710, Y1: 27, X2: 1210, Y2: 1053}
	require.InDelta(t, 0.95, subject.H()/1080, 1e-9)

	for _, padding := range []float64{0, 500} {
		c := newCropper(t, entity.Ratio9x16, padding)
		region := c.Crop(cluster(entity.LabelPerson, subject), 1920, 1080)

		occ := entity.Occupancy(subject, region.Rect)
		assert.True(t, occ <= c.opts.MaxOccupancy+1e-6 || region.Clamped,
			"padding %v: occupancy %.3f clamped %v", padding, occ, region.Clamped)
		assert.InDelta(t, 9.0/16.0, region.Rect.W()/region.Rect.H(), 1e-3)
	}
}

func TestCropZoomsIntoSmallSubject(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 500)
	region := c.Crop(cluster(entity.LabelObject, entity.Box{X1: 950, Y1: 530, X2: 970, Y2: 550}), 1920, 1080)

	assert.Greater(t, region.ZoomFactor, 1.0)
	assert.False(t, region.Clamped)
	assert.InDelta(t, 0.05*1920*1080, region.Rect.Area(), 1)
}

func TestCropPersonHeadSpaceBiasesUpward(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 100)
	box := entity.Box{X1: 1800, Y1: 800, X2: 2000, Y2: 1300}

	person := c.Crop(cluster(entity.LabelPerson, box), 3840, 2160)
	object := c.Crop(cluster(entity.LabelObject, box), 3840, 2160)

	_, personY := person.Rect.Center()
	_, objectY := object.Rect.Center()
	_, subjectY := box.Center()
	assert.InDelta(t, subjectY, objectY, 1e-6)
	assert.Less(t, personY, subjectY)
	assert.LessOrEqual(t, person.Rect.Y1, box.Y1-0.15*box.H())
}

func TestCropZoomFactorOneWhenOccupancyInBand(t *testing.T) {
	c := newCropper(t, entity.Ratio1x1, 50)
	region := c.Crop(cluster(entity.LabelObject, entity.Box{X1: 400, Y1: 400, X2: 600, Y2: 600}), 1920, 1080)

	assert.InDelta(t, 1.0, region.ZoomFactor, 1e-9)
	assert.InDelta(t, 300, region.Rect.W(), 1e-6)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Ratio = "2:7"
	_, err := New(opts)
	var cfgErr *entity.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	opts = DefaultOptions()
	opts.MinOccupancy = 0.9
	_, err = New(opts)
	require.ErrorAs(t, err, &cfgErr)

	opts = DefaultOptions()
	opts.MinPadding = math.Inf(-1)
	_, err = New(opts)
	require.ErrorAs(t, err, &cfgErr)
}

func TestCropHeadSpaceCutAtFrameTopIsClamped(t *testing.T) {
	c := newCropper(t, entity.Ratio1x1, 0)
	box := entity.Box{X1: 710, Y1: 27, X2: 1210, Y2: 1053}

	region := c.Crop(cluster(entity.LabelPerson, box), 1920, 1080)

	assert.InDelta(t, 0, region.Rect.Y1, 1e-6)
	assert.True(t, region.Clamped)
	assert.InDelta(t, 1.0, region.Rect.W()/region.Rect.H(), 1e-3)
}

func TestCropHeadSpaceInsideFrameNotClamped(t *testing.T) {
	c := newCropper(t, entity.Ratio9x16, 100)
	box := entity.Box{X1: 1800, Y1: 800, X2: 2000, Y2: 1300}

	region := c.Crop(cluster(entity.LabelPerson, box), 3840, 2160)
	assert.False(t, region.Clamped)
}
