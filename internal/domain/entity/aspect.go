package entity

import "fmt"

type AspectRatio string

const (
	Ratio9x16 AspectRatio = "9:16"
	Ratio3x4  AspectRatio = "3:4"
	Ratio1x1  AspectRatio = "1:1"
	Ratio4x5  AspectRatio = "4:5"
	Ratio16x9 AspectRatio = "16:9"
	Ratio4x3  AspectRatio = "4:3"
)

var ratioParts = map[AspectRatio][2]int{
	Ratio9x16: {9, 16},
	Ratio3x4:  {3, 4},
	Ratio1x1:  {1, 1},
	Ratio4x5:  {4, 5},
	Ratio16x9: {16, 9},
	Ratio4x3:  {4, 3},
}

func ParseAspectRatio(s string) (AspectRatio, error) {
	r := AspectRatio(s)
	if _, ok := ratioParts[r]; !ok {
		return "", &ConfigurationError{Field: "target_aspect_ratio", Reason: fmt.Sprintf("unsupported ratio %q", s)}
	}
	return r, nil
}

// Value is width divided by height.
func (r AspectRatio) Value() float64 {
	p, ok := ratioParts[r]
	if !ok {
		return 0
	}
	return float64(p[0]) / float64(p[1])
}

// Slug renders the ratio for directory names, e.g. "9x16".
func (r AspectRatio) Slug() string {
	p := ratioParts[r]
	return fmt.Sprintf("%dx%d", p[0], p[1])
}

func (r AspectRatio) Valid() bool {
	_, ok := ratioParts[r]
	return ok
}
