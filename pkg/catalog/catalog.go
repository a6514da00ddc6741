// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/downlink-allocator/pkg/video"
)

type CatalogParams struct {
	Logger logger.Logger
}

// Catalog tracks the remote video sources currently available for
// subscription. Snapshots preserve the order sources first appeared in,
// which is the allocation tie-break baseline.
type Catalog struct {
	params CatalogParams

	lock    sync.RWMutex
	sources map[video.SourceID]video.Source
	order   []video.SourceID
}

func NewCatalog(params CatalogParams) *Catalog {
	return &Catalog{
		params:  params,
		sources: make(map[video.SourceID]video.Source),
	}
}

// UpdateSources reconciles the catalog against the full set of currently
// publishing sources. Non-video sources are rejected and simulcast ladders
// are normalized on the way in.
func (c *Catalog) UpdateSources(next []video.Source) (added []video.SourceID, removed []video.SourceID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	seen := make(map[video.SourceID]bool, len(next))
	for _, src := range next {
		if src.Kind != webrtc.RTPCodecTypeVideo {
			c.params.Logger.Warnw("rejecting non-video source", nil, "source", src.ID)
			continue
		}
		if seen[src.ID] {
			c.params.Logger.Warnw("duplicate source in update, keeping first", nil, "source", src.ID)
			continue
		}
		seen[src.ID] = true

		normalized := c.normalize(src)
		if _, ok := c.sources[src.ID]; !ok {
			added = append(added, src.ID)
			c.order = append(c.order, src.ID)
		}
		c.sources[src.ID] = normalized
	}

	surviving := make([]video.SourceID, 0, len(c.order))
	for _, id := range c.order {
		if seen[id] {
			surviving = append(surviving, id)
			continue
		}
		removed = append(removed, id)
		delete(c.sources, id)
	}
	c.order = surviving
	return
}

// Snapshot returns a deep copy of the catalog in insertion order.
func (c *Catalog) Snapshot() []video.Source {
	c.lock.RLock()
	defer c.lock.RUnlock()

	snapshot := make([]video.Source, 0, len(c.order))
	for _, id := range c.order {
		snapshot = append(snapshot, c.sources[id].Clone())
	}
	return snapshot
}

func (c *Catalog) Has(id video.SourceID) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	_, ok := c.sources[id]
	return ok
}

func (c *Catalog) Get(id video.SourceID) (video.Source, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	src, ok := c.sources[id]
	if !ok {
		return video.Source{}, false
	}
	return src.Clone(), true
}

func (c *Catalog) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return len(c.sources)
}

func (c *Catalog) normalize(src video.Source) video.Source {
	normalized := src.Clone()

	layers := normalized.Layers[:0]
	for _, layer := range normalized.Layers {
		if !layer.IsValid() {
			c.params.Logger.Warnw("dropping invalid layer", nil, "source", src.ID, "layer", layer)
			continue
		}
		layers = append(layers, layer)
	}
	normalized.Layers = layers
	video.SortLayers(normalized.Layers)
	return normalized
}
