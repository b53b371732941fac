package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-get/internal/download"
	"github.com/any-hub/any-get/internal/logging"
)

func newBatchCmd(opts *cliOptions) *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run every [[Download]] entry of the config file concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, configPath, err := loadConfig(opts, true)
			if err != nil {
				return err
			}

			reqs := make([]download.Request, 0, len(cfg.Downloads))
			for _, d := range cfg.Downloads {
				req, err := download.RequestFromConfig(cfg, d)
				if err != nil {
					return err
				}
				reqs = append(reqs, req)
			}

			// 并发执行时多条进度条会互相覆盖，因此 batch 不显示进度。
			deps, err := buildRuntime(cfg, false)
			if err != nil {
				return err
			}

			fields := logging.BaseFields("batch", configPath)
			fields["downloads"] = len(reqs)
			fields["max_concurrency"] = cfg.Global.MaxConcurrency
			if checkOnly {
				fields["result"] = "ok"
				deps.logger.WithFields(fields).Info("配置校验通过")
				return nil
			}
			deps.logger.WithFields(fields).Info("batch started")

			results, runErr := deps.downloader.RunAll(cmd.Context(), reqs, cfg.Global.MaxConcurrency)
			produced := 0
			for i, result := range results {
				if result == nil {
					continue
				}
				if result.Produced {
					produced++
				}
				printResult(cmd, reqs[i].URI, result)
			}
			deps.logger.WithFields(logrus.Fields{
				"action":   "batch",
				"total":    len(reqs),
				"produced": produced,
			}).Info("batch finished")
			return runErr
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	return cmd
}
