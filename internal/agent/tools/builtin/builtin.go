// Package builtin registers the analysis tool set backed by the video store
// and the title search index.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cliplens/cliplens/internal/agent/tools"
	"github.com/cliplens/cliplens/internal/search"
	"github.com/cliplens/cliplens/internal/store"
)

// Config tunes the registered tool set.
type Config struct {
	CacheTTL    time.Duration
	ToolTimeout time.Duration
	Retry       tools.RetryPolicy
}

// Register wires the standard tools into the registry. All read-only lookups
// are parallel-safe; reindex_channel mutates the shared index and is not.
func Register(reg *tools.Registry, st *store.Store, idx *search.Index, cfg Config) error {
	defs := []tools.Definition{
		{
			Name:        "get_video",
			Description: "Fetch a video's title and engagement stats by video id",
			Params: map[string]tools.ParamSpec{
				"video_id": {Type: "string", Description: "The video identifier", Required: true},
			},
			Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["video_id"].(string)
				v, err := st.GetVideo(ctx, id)
				if err != nil {
					return nil, storeErr(err)
				}
				return v, nil
			},
			ParallelSafe: true,
			CacheTTL:     cfg.CacheTTL,
			Timeout:      cfg.ToolTimeout,
			Retry:        cfg.Retry,
		},
		{
			Name:        "channel_baseline",
			Description: "Compute a channel's average views and video count",
			Params: map[string]tools.ParamSpec{
				"channel_id": {Type: "string", Description: "The channel identifier", Required: true},
			},
			Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["channel_id"].(string)
				b, err := st.ChannelBaseline(ctx, id)
				if err != nil {
					return nil, storeErr(err)
				}
				return b, nil
			},
			ParallelSafe: true,
			CacheTTL:     cfg.CacheTTL,
			Timeout:      cfg.ToolTimeout,
			Retry:        cfg.Retry,
		},
		{
			Name:        "search_titles",
			Description: "Full-text search over video titles, relevance ranked",
			Params: map[string]tools.ParamSpec{
				"query": {Type: "string", Description: "Title search query", Required: true},
				"limit": {Type: "integer", Description: "Maximum results, default 10"},
			},
			Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				q, _ := params["query"].(string)
				limit := intParam(params, "limit")
				hits, err := idx.SearchTitles(q, limit)
				if err != nil {
					return nil, err
				}
				return hits, nil
			},
			ParallelSafe: true,
			CacheTTL:     cfg.CacheTTL,
			Timeout:      cfg.ToolTimeout,
			Retry:        cfg.Retry,
		},
		{
			Name:        "high_performers",
			Description: "List channel videos that outperform the channel average",
			Params: map[string]tools.ParamSpec{
				"channel_id": {Type: "string", Description: "The channel identifier", Required: true},
				"min_ratio":  {Type: "number", Description: "Minimum views-to-average ratio, default 2.0"},
				"limit":      {Type: "integer", Description: "Maximum results, default 10"},
			},
			Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["channel_id"].(string)
				ratio := floatParam(params, "min_ratio")
				if ratio <= 0 {
					ratio = 2.0
				}
				vids, err := st.HighPerformers(ctx, id, ratio, intParam(params, "limit"))
				if err != nil {
					return nil, storeErr(err)
				}
				return vids, nil
			},
			ParallelSafe: true,
			CacheTTL:     cfg.CacheTTL,
			Timeout:      cfg.ToolTimeout,
			Retry:        cfg.Retry,
		},
		{
			Name:        "reindex_channel",
			Description: "Rebuild the title index entries for one channel from the store",
			Params: map[string]tools.ParamSpec{
				"channel_id": {Type: "string", Description: "The channel identifier", Required: true},
			},
			Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["channel_id"].(string)
				vids, err := st.ListChannelVideos(ctx, id)
				if err != nil {
					return nil, storeErr(err)
				}
				b, err := st.ChannelBaseline(ctx, id)
				if err != nil {
					return nil, storeErr(err)
				}
				docs := make([]search.Doc, 0, len(vids))
				for _, v := range vids {
					docs = append(docs, search.Doc{
						VideoID:         v.ID,
						ChannelID:       v.ChannelID,
						Title:           v.Title,
						Views:           v.Views,
						ChannelAvgViews: int64(b.AvgViews),
					})
				}
				if err := idx.IndexBatch(docs); err != nil {
					return nil, err
				}
				return map[string]interface{}{"indexed": len(docs)}, nil
			},
			// mutates the shared index; must not run concurrently
			ParallelSafe: false,
			Timeout:      cfg.ToolTimeout,
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("registering builtin tools: %w", err)
		}
	}
	return nil
}

// storeErr marks missing rows as terminal so the invoker does not burn
// retries on a lookup that cannot succeed.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return tools.NonRetryable(tools.NewToolError(tools.ErrCodeExecution, "%v", err))
	}
	return err
}

func intParam(params map[string]interface{}, name string) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func floatParam(params map[string]interface{}, name string) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
