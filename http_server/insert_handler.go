package http_server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danthegoodman1/gojsonutils"
)

type (
	InsertReqBody struct {
		Table string `validate:"required"`
		// Line-delimited JSON (NDJSON)
		RowsString *string
		// Array of JSON rows
		Rows []map[string]any
	}

	InsertStats struct {
		NumRows int64
		TimeMS  int64
	}
)

var (
	ErrNotFlatMap = errors.New("not a flat map")
)

// InsertHandler appends rows to the table's in-memory batch. Rows become
// durable once a flush threshold is crossed, not on response.
func (s *HTTPServer) InsertHandler(c *CustomContext) error {
	start := time.Now()

	var reqBody InsertReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	defer c.Request().Body.Close()

	var rows []map[string]any

	if reqBody.RowsString != nil {
		ndJSONScanner := bufio.NewScanner(strings.NewReader(*reqBody.RowsString))
		for ndJSONScanner.Scan() {
			var raw any
			err := json.Unmarshal([]byte(ndJSONScanner.Text()), &raw)
			if err != nil {
				return c.String(http.StatusBadRequest, "line was not JSON")
			}
			jsonMap, ok := raw.(map[string]any)
			if !ok {
				return c.String(http.StatusBadRequest, "line was not a JSON object")
			}
			flatMap, err := flattenRow(jsonMap)
			if err != nil {
				return c.InternalError(err, "error flattening JSON map")
			}
			rows = append(rows, flatMap)
		}
	} else {
		for _, row := range reqBody.Rows {
			flatMap, err := flattenRow(row)
			if err != nil {
				return c.InternalError(err, "error flattening JSON map")
			}
			rows = append(rows, flatMap)
		}
	}

	if len(rows) == 0 {
		return c.String(http.StatusBadRequest, "no rows found")
	}

	if err := s.deps.Buffer.Append(reqBody.Table, rows); err != nil {
		// missing timestamp column and unknown table are user errors
		return c.String(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, InsertStats{
		NumRows: int64(len(rows)),
		TimeMS:  time.Since(start).Milliseconds(),
	})
}

func flattenRow(row map[string]any) (map[string]any, error) {
	flat, err := gojsonutils.Flatten(row, nil)
	if err != nil {
		return nil, fmt.Errorf("error in gojsonutils.Flatten: %w", err)
	}
	flatMap, ok := flat.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %+v", ErrNotFlatMap, flat)
	}
	return flatMap, nil
}
