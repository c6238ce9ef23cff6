package search

import (
	"fmt"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/mapping"
)

// Doc is a video title document in the search index.
type Doc struct {
	VideoID         string `json:"video_id"`
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	Views           int64  `json:"views"`
	ChannelAvgViews int64  `json:"channel_avg_views"`
}

// Hit is one title search result with the stats needed for validation.
type Hit struct {
	VideoID         string  `json:"video_id"`
	Title           string  `json:"title"`
	Score           float64 `json:"score"`
	Views           int64   `json:"views"`
	ChannelAvgViews int64   `json:"channel_avg_views"`
}

// Index is a full-text title index. It backs the search_titles tool so
// candidate discovery does not need a database scan per query.
type Index struct {
	idx bleve.Index
}

// NewMemOnly creates an in-memory index, rebuilt from the store on startup.
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(indexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating title index: %w", err)
	}
	return &Index{idx: idx}, nil
}

func indexMapping() mapping.IndexMapping {
	title := bleve.NewTextFieldMapping()
	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	numeric := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", title)
	doc.AddFieldMappingsAt("channel_id", keyword)
	doc.AddFieldMappingsAt("video_id", keyword)
	doc.AddFieldMappingsAt("views", numeric)
	doc.AddFieldMappingsAt("channel_avg_views", numeric)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// IndexVideo adds or replaces one document.
func (i *Index) IndexVideo(d Doc) error {
	if d.VideoID == "" {
		return fmt.Errorf("indexing requires a video id")
	}
	if err := i.idx.Index(d.VideoID, d); err != nil {
		return fmt.Errorf("indexing video %s: %w", d.VideoID, err)
	}
	return nil
}

// IndexBatch indexes many documents in one bleve batch.
func (i *Index) IndexBatch(docs []Doc) error {
	batch := i.idx.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.VideoID, d); err != nil {
			return fmt.Errorf("batching video %s: %w", d.VideoID, err)
		}
	}
	if err := i.idx.Batch(batch); err != nil {
		return fmt.Errorf("flushing index batch: %w", err)
	}
	return nil
}

// SearchTitles runs a relevance-ranked match query over titles.
func (i *Index) SearchTitles(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	mq := bleve.NewMatchQuery(query)
	mq.SetField("title")
	req := bleve.NewSearchRequestOptions(mq, limit, 0, false)
	req.Fields = []string{"title", "views", "channel_avg_views"}

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("title search %q: %w", query, err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{VideoID: h.ID, Score: h.Score}
		if title, ok := h.Fields["title"].(string); ok {
			hit.Title = title
		}
		if views, ok := h.Fields["views"].(float64); ok {
			hit.Views = int64(views)
		}
		if avg, ok := h.Fields["channel_avg_views"].(float64); ok {
			hit.ChannelAvgViews = int64(avg)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Close releases the index.
func (i *Index) Close() error { return i.idx.Close() }
