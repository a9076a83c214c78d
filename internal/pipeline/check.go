package pipeline

import (
	"context"
	"fmt"

	"github.com/wegman-software/osmhistory-go/internal/osmhist"
	"github.com/wegman-software/osmhistory-go/internal/sortcheck"
	"github.com/wegman-software/osmhistory-go/internal/source"
)

// CheckResult counts the versions of a sorted input
type CheckResult struct {
	Nodes     int64
	Ways      int64
	Relations int64
	Deleted   int64
	BytesRead int64
	Last      sortcheck.Key
}

// Check reads src to the end and verifies it is sorted by type, id and
// version. It stops at the first violation with a *sortcheck.SortError.
func Check(ctx context.Context, src source.Scanner) (*CheckResult, error) {
	var guard sortcheck.Guard
	res := &CheckResult{}

	for src.Scan() {
		v := src.Version()
		if err := guard.EnforceVersion(v); err != nil {
			return res, err
		}
		switch v.Type {
		case osmhist.TypeNode:
			res.Nodes++
		case osmhist.TypeWay:
			res.Ways++
		default:
			res.Relations++
		}
		if !v.Visible {
			res.Deleted++
		}
		if guard.Seen()%8192 == 0 && ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	if err := src.Err(); err != nil {
		return res, fmt.Errorf("failed to read input: %w", err)
	}
	res.BytesRead = src.BytesRead()
	res.Last = guard.Last()
	return res, nil
}
