package http_server

import (
	"context"
	"net/http"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/merge"
	"github.com/danthegoodman1/tierdb/utils"
)

type (
	FlushReqBody struct {
		Table string `validate:"required"`
	}

	CompactReqBody struct {
		Table string `validate:"required"`
		// Partition limits compaction to one partition, otherwise the whole
		// table is compacted
		Partition *string
		// How many seconds before the compaction times out. Default 60.
		MaxRuntimeSec *int64
	}
)

func (s *HTTPServer) FlushHandler(c *CustomContext) error {
	var reqBody FlushReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*30)
	defer cancel()

	if err := s.deps.Buffer.Flush(ctx, reqBody.Table); err != nil {
		return c.InternalError(err, "error flushing table")
	}
	return c.JSON(http.StatusOK, s.deps.Buffer.Stats(reqBody.Table))
}

func (s *HTTPServer) CompactHandler(c *CustomContext) error {
	var reqBody CompactReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*time.Duration(utils.Deref(reqBody.MaxRuntimeSec, 60)))
	defer cancel()

	var refs []catalog.PartitionRef
	if reqBody.Partition != nil {
		refs = append(refs, catalog.PartitionRef{Table: reqBody.Table, Key: *reqBody.Partition})
	} else {
		partitions, err := s.deps.Catalog.Partitions(reqBody.Table)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		for _, p := range partitions {
			refs = append(refs, catalog.PartitionRef{Table: reqBody.Table, Key: p.Key})
		}
	}

	var results []merge.MergeResult
	for _, ref := range refs {
		res, err := s.deps.Merger.Compact(ctx, ref)
		if err != nil {
			return c.InternalError(err, "error compacting partition "+ref.Key)
		}
		results = append(results, res)
	}
	return c.JSON(http.StatusOK, results)
}

// MigrateHandler synchronously runs one full policy pass over every table.
func (s *HTTPServer) MigrateHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	if err := s.deps.Scheduler.ApplyNow(ctx); err != nil {
		return c.InternalError(err, "error applying lifecycle pass")
	}
	return c.NoContent(http.StatusOK)
}

func (s *HTTPServer) SnapshotHandler(c *CustomContext) error {
	snapshot, err := s.deps.Reporter.Snapshot()
	if err != nil {
		return c.InternalError(err, "error taking snapshot")
	}
	return c.JSON(http.StatusOK, utils.ArrayOrEmpty(snapshot))
}
