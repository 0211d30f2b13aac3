package storage

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Label names attached to every archived series
const (
	LabelRecording = "recording"
	LabelKind      = "kind"
	LabelSeries    = "series"
)

// Index maps archived series to their metadata
type Index struct {
	// Maps label fingerprint to series metadata
	series map[uint64]*seriesMetadata
	// Inverted index: label name -> label value -> series IDs
	labelIndex map[string]map[string][]uint64
}

// seriesMetadata holds metadata about a single archived series
type seriesMetadata struct {
	ID      uint64
	Labels  map[string]string
	Count   int
	MinTime int64
	MaxTime int64
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:     make(map[uint64]*seriesMetadata),
		labelIndex: make(map[string]map[string][]uint64),
	}
}

// SeriesLabels builds the label set of one series of a recording
func SeriesLabels(recordingID, key string) map[string]string {
	kind := "joint"
	if strings.HasPrefix(key, "bone:") {
		kind = "bone"
	}
	return map[string]string{
		LabelRecording: recordingID,
		LabelKind:      kind,
		LabelSeries:    key,
	}
}

// AddSeries adds a series to the index and returns its ID
func (idx *Index) AddSeries(labels map[string]string) uint64 {
	fingerprint := calculateFingerprint(labels)

	if _, exists := idx.series[fingerprint]; exists {
		return fingerprint
	}

	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	idx.series[fingerprint] = &seriesMetadata{
		ID:     fingerprint,
		Labels: copied,
	}

	for name, value := range labels {
		if idx.labelIndex[name] == nil {
			idx.labelIndex[name] = make(map[string][]uint64)
		}
		idx.labelIndex[name][value] = append(idx.labelIndex[name][value], fingerprint)
	}

	return fingerprint
}

// GetSeries retrieves series metadata by ID
func (idx *Index) GetSeries(id uint64) (*seriesMetadata, bool) {
	meta, ok := idx.series[id]
	return meta, ok
}

// FindSeries finds series matching every label selector
func (idx *Index) FindSeries(labelSelectors map[string]string) []uint64 {
	if len(labelSelectors) == 0 {
		result := make([]uint64, 0, len(idx.series))
		for id := range idx.series {
			result = append(result, id)
		}
		return result
	}

	var result []uint64
	first := true

	for labelName, labelValue := range labelSelectors {
		valueMap, ok := idx.labelIndex[labelName]
		if !ok {
			return nil
		}

		seriesIDs, ok := valueMap[labelValue]
		if !ok {
			return nil
		}

		if first {
			result = append([]uint64(nil), seriesIDs...)
			first = false
		} else {
			result = intersect(result, seriesIDs)
		}

		if len(result) == 0 {
			return nil
		}
	}

	return result
}

// UpdateStats records the sample count and time range of a series
func (idx *Index) UpdateStats(id uint64, count int, minTime, maxTime int64) bool {
	meta, ok := idx.series[id]
	if !ok {
		return false
	}

	meta.Count += count
	if meta.MinTime == 0 || minTime < meta.MinTime {
		meta.MinTime = minTime
	}
	if meta.MaxTime == 0 || maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
	}
	return true
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	return len(idx.series)
}

// calculateFingerprint hashes a label set independently of map order
func calculateFingerprint(labels map[string]string) uint64 {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(labels[k])
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// intersect finds common elements of two ID lists
func intersect(a, b []uint64) []uint64 {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })

	result := make([]uint64, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			i++
		} else if a[i] > b[j] {
			j++
		} else {
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}

// Clear clears the index
func (idx *Index) Clear() {
	idx.series = make(map[uint64]*seriesMetadata)
	idx.labelIndex = make(map[string]map[string][]uint64)
}
