package indoor

import (
	"sort"
	"sync"
	"time"
)

// SceneTracker keeps the latest estimation scene per device for the HTTP
// endpoints. Estimation callbacks write, HTTP handlers read.
type SceneTracker struct {
	mu      sync.RWMutex
	scenes  map[string]*Scene
	updated map[string]time.Time
}

// NewSceneTracker creates a new scene tracker
func NewSceneTracker() *SceneTracker {
	return &SceneTracker{
		scenes:  make(map[string]*Scene),
		updated: make(map[string]time.Time),
	}
}

// UpdateScene stores the latest scene for a device. Nil scenes are ignored.
func (st *SceneTracker) UpdateScene(deviceID string, scene *Scene) {
	if scene == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scenes[deviceID] = scene
	st.updated[deviceID] = time.Now()
}

// GetScene returns the scene for a device. An empty device ID selects the
// most recently updated scene. Nil when nothing matches.
func (st *SceneTracker) GetScene(deviceID string) *Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if deviceID != "" {
		return st.scenes[deviceID]
	}
	var latest *Scene
	var latestAt time.Time
	for id, s := range st.scenes {
		if at := st.updated[id]; latest == nil || at.After(latestAt) {
			latest = s
			latestAt = at
		}
	}
	return latest
}

// GetScenes returns all current scenes keyed by device ID
func (st *SceneTracker) GetScenes() map[string]*Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*Scene)
	for k, v := range st.scenes {
		result[k] = v
	}
	return result
}

// HasScenes returns true if at least one device has been estimated
func (st *SceneTracker) HasScenes() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.scenes) > 0
}

// Devices returns the tracked device IDs in sorted order.
func (st *SceneTracker) Devices() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.scenes))
	for id := range st.scenes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdatedAt returns when a device's scene was last stored.
func (st *SceneTracker) UpdatedAt(deviceID string) (time.Time, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	at, ok := st.updated[deviceID]
	return at, ok
}

// Positions returns one position record per tracked device whose scene
// carries an estimate, sorted by device ID.
func (st *SceneTracker) Positions() []DevicePosition {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]DevicePosition, 0, len(st.scenes))
	for id, s := range st.scenes {
		if len(s.Estimate) == 0 {
			continue
		}
		out = append(out, DevicePosition{
			DeviceID:    id,
			Coordinates: append([]float64(nil), s.Estimate...),
			Accuracy:    s.Accuracy,
			NumInliers:  s.NumInliers,
			Timestamp:   st.updated[id].Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
