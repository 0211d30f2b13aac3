package storage

import (
	"fmt"
	"testing"
)

func TestIndexAddSeries(t *testing.T) {
	idx := NewIndex()

	labels := SeriesLabels("rec-1", "joint:Head")

	id := idx.AddSeries(labels)
	if id == 0 {
		t.Error("Expected non-zero series ID")
	}

	// Adding same series again should return same ID
	if id2 := idx.AddSeries(labels); id != id2 {
		t.Errorf("Expected same ID for duplicate series: %d != %d", id, id2)
	}

	if idx.SeriesCount() != 1 {
		t.Errorf("Expected 1 series, got %d", idx.SeriesCount())
	}

	// stored labels are a copy
	labels[LabelSeries] = "joint:Spine"
	meta, _ := idx.GetSeries(id)
	if meta.Labels[LabelSeries] != "joint:Head" {
		t.Errorf("Index labels changed with caller's map: %v", meta.Labels)
	}
}

func TestSeriesLabels(t *testing.T) {
	if kind := SeriesLabels("r", "joint:Head")[LabelKind]; kind != "joint" {
		t.Errorf("Expected joint kind, got %s", kind)
	}
	if kind := SeriesLabels("r", "bone:HipCenter-Spine")[LabelKind]; kind != "bone" {
		t.Errorf("Expected bone kind, got %s", kind)
	}
}

func TestIndexFindSeries(t *testing.T) {
	idx := NewIndex()

	idx.AddSeries(SeriesLabels("rec-1", "joint:Head"))
	idx.AddSeries(SeriesLabels("rec-1", "bone:HipCenter-Spine"))
	idx.AddSeries(SeriesLabels("rec-2", "joint:Head"))

	found := idx.FindSeries(map[string]string{LabelRecording: "rec-1"})
	if len(found) != 2 {
		t.Errorf("Expected 2 series in rec-1, got %d", len(found))
	}

	found = idx.FindSeries(map[string]string{
		LabelRecording: "rec-1",
		LabelKind:      "joint",
	})
	if len(found) != 1 {
		t.Errorf("Expected 1 joint series in rec-1, got %d", len(found))
	}

	found = idx.FindSeries(map[string]string{LabelSeries: "joint:Head"})
	if len(found) != 2 {
		t.Errorf("Expected Head in 2 recordings, got %d", len(found))
	}

	found = idx.FindSeries(map[string]string{LabelRecording: "rec-3"})
	if len(found) != 0 {
		t.Errorf("Expected 0 series in rec-3, got %d", len(found))
	}

	if all := idx.FindSeries(nil); len(all) != 3 {
		t.Errorf("Expected all 3 series, got %d", len(all))
	}
}

func TestIndexUpdateStats(t *testing.T) {
	idx := NewIndex()

	id := idx.AddSeries(SeriesLabels("rec", "joint:HandLeft"))

	if !idx.UpdateStats(id, 10, 1000, 2000) {
		t.Fatal("Failed to update stats")
	}

	meta, ok := idx.GetSeries(id)
	if !ok {
		t.Fatal("Series not found")
	}
	if meta.MinTime != 1000 || meta.MaxTime != 2000 || meta.Count != 10 {
		t.Errorf("Unexpected metadata %+v", meta)
	}

	idx.UpdateStats(id, 5, 500, 2500)
	meta, _ = idx.GetSeries(id)
	if meta.MinTime != 500 || meta.MaxTime != 2500 || meta.Count != 15 {
		t.Errorf("Unexpected metadata after expansion %+v", meta)
	}

	if idx.UpdateStats(12345, 1, 0, 0) {
		t.Error("Expected false for unknown series")
	}
}

func TestCalculateFingerprint(t *testing.T) {
	a := map[string]string{"a": "1", "b": "2"}
	b := map[string]string{"b": "2", "a": "1"}

	if calculateFingerprint(a) != calculateFingerprint(b) {
		t.Error("Fingerprints should be same regardless of label order")
	}

	c := map[string]string{"a": "1", "b": "3"}
	if calculateFingerprint(a) == calculateFingerprint(c) {
		t.Error("Different label sets should have different fingerprints")
	}

	// separators keep "ab"+"c" distinct from "a"+"bc"
	d := map[string]string{"ab": "c"}
	e := map[string]string{"a": "bc"}
	if calculateFingerprint(d) == calculateFingerprint(e) {
		t.Error("Label boundaries should affect the fingerprint")
	}
}

func TestIndexClear(t *testing.T) {
	idx := NewIndex()
	idx.AddSeries(SeriesLabels("rec", "joint:Head"))
	idx.Clear()

	if idx.SeriesCount() != 0 {
		t.Errorf("Expected empty index, got %d", idx.SeriesCount())
	}
	if found := idx.FindSeries(map[string]string{LabelRecording: "rec"}); len(found) != 0 {
		t.Errorf("Expected no series after clear, got %d", len(found))
	}
}

func BenchmarkIndexAddSeries(b *testing.B) {
	idx := NewIndex()
	labels := SeriesLabels("rec", "bone:ShoulderLeft-ElbowLeft")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.AddSeries(labels)
	}
}

func BenchmarkIndexFindSeries(b *testing.B) {
	idx := NewIndex()

	for i := 0; i < 500; i++ {
		idx.AddSeries(SeriesLabels(fmt.Sprintf("rec-%d", i), "joint:Head"))
		idx.AddSeries(SeriesLabels(fmt.Sprintf("rec-%d", i), "joint:Spine"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.FindSeries(map[string]string{LabelRecording: "rec-42", LabelSeries: "joint:Head"})
	}
}
