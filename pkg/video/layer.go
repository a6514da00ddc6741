package video

import (
	"fmt"
	"sort"
)

const (
	InvalidLayerIndex = int(-1)
)

var (
	InvalidLayer = Layer{
		Bitrate: -1,
	}
)

// Layer is one rung of a source's simulcast ladder.
type Layer struct {
	Bitrate int64 // bps
	Width   uint32
	Height  uint32
}

func (l Layer) String() string {
	return fmt.Sprintf("Layer{%dx%d, br: %d}", l.Width, l.Height, l.Bitrate)
}

func (l Layer) Area() int64 {
	return int64(l.Width) * int64(l.Height)
}

func (l Layer) IsValid() bool {
	return l.Bitrate > 0
}

// ------------------------------------------------

// LayersByBitrate sorts a simulcast ladder ascending by bitrate.
type LayersByBitrate []Layer

func (l LayersByBitrate) Len() int           { return len(l) }
func (l LayersByBitrate) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }
func (l LayersByBitrate) Less(i, j int) bool { return l[i].Bitrate < l[j].Bitrate }

func SortLayers(layers []Layer) {
	sort.Stable(LayersByBitrate(layers))
}

// CeilingLayer returns the index of the highest layer a subscription may
// reach under the given target size, i. e. the smallest layer whose
// resolution covers the target, or the top layer if none does.
// Layers must be sorted ascending by bitrate.
func CeilingLayer(layers []Layer, targetSize TargetSize) int {
	if len(layers) == 0 {
		return InvalidLayerIndex
	}

	top := len(layers) - 1
	if targetSize == TargetSizeUnconstrained {
		return top
	}

	want := targetSize.Area()
	for idx, layer := range layers {
		if layer.Area() >= want {
			return idx
		}
	}
	return top
}
