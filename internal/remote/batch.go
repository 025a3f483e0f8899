package remote

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onexay/notepub/internal/types"
)

// BatchRead reads paths with a bounded number of requests in flight.
// Paths that fail or do not exist are left out of the result; a failing
// path is logged and never fails the batch.
func (c *Client) BatchRead(ctx context.Context, paths []string, branch string) map[string]types.RemoteFile {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]types.RemoteFile, len(paths))
		sem     = make(chan struct{}, c.opts.BatchConcurrency)
	)

	for _, p := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			file, err := c.Read(ctx, path, branch)
			if err != nil {
				c.opts.Logger.Error("batch read failed",
					slog.String("path", path),
					slog.String("repo", c.repo),
					slog.String("error", err.Error()),
				)
				return
			}
			if file == nil {
				return
			}

			mu.Lock()
			results[path] = *file
			mu.Unlock()
		}(p)
	}

	wg.Wait()
	return results
}
