package pipeline

import (
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/segment"
)

// SegmentStage picks the segmentation strategy for the job's mode.
type SegmentStage struct {
	segmenter *segment.Segmenter
}

func NewSegmentStage(s *segment.Segmenter) *SegmentStage {
	return &SegmentStage{segmenter: s}
}

func (s *SegmentStage) Catalog() *segment.Catalog { return s.segmenter.Catalog() }

func (s *SegmentStage) Run(job models.ProcessingJob, text string) segment.Result {
	if job.Mode == models.ModeSingle {
		return s.segmenter.Single(text, job.DocumentType)
	}
	return s.segmenter.Segment(text)
}

// Tasks builds one section task per found type, in order of first appearance.
func (s *SegmentStage) Tasks(r segment.Result) []SectionTask {
	groups := r.Groups()
	tasks := make([]SectionTask, 0, len(groups))
	for _, g := range groups {
		task := SectionTask{Type: g.Type, Text: g.Text, Spans: g.Spans}
		if st, ok := s.Catalog().Lookup(g.Type); ok {
			task.Label = st.Label
			task.Keys = st.Entities
		}
		tasks = append(tasks, task)
	}
	return tasks
}
