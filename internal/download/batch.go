package download

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll 以最多 limit 个并发执行全部任务。单个任务失败不会取消其它任务；
// 返回的切片与 reqs 一一对应，error 为最先发生的失败。
func (d *Downloader) RunAll(ctx context.Context, reqs []Request, limit int) ([]*Result, error) {
	if limit < 1 {
		limit = 1
	}

	results := make([]*Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := d.Run(ctx, req)
			results[i] = result
			return err
		})
	}

	err := g.Wait()
	return results, err
}
