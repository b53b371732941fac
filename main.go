package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/any-hub/any-get/internal/config"
	"github.com/any-hub/any-get/internal/download"
	"github.com/any-hub/any-get/internal/fetch"
	"github.com/any-hub/any-get/internal/logging"
	"github.com/any-hub/any-get/internal/version"
)

// configEnv 指定配置文件路径的环境变量，优先级低于 --config。
const configEnv = "ANY_GET_CONFIG"

// 退出码：0 成功，1 下载或运行期失败，2 配置/参数错误。
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// cliOptions 汇总所有子命令共享的全局标志。
type cliOptions struct {
	configFlag string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 构建命令树并执行，返回退出码，方便测试。
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stdErr, "any-get: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "any-get",
		Short:         "any-get - cached, checksum-verified artifact downloader",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&opts.configFlag, "config", "",
		"配置文件路径（默认 ./"+config.DefaultConfigFile+"，可被 "+configEnv+" 覆盖）")

	root.AddCommand(
		newFetchCmd(opts),
		newBatchCmd(opts),
		newCacheCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath 按 --config > ANY_GET_CONFIG > 默认文件名 的顺序决定配置路径，
// explicit 表示路径来自用户显式指定。
func resolveConfigPath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(configEnv); env != "" {
		return env, true
	}
	return config.DefaultConfigFile, false
}

// loadConfig 读取配置；默认路径不存在时回退到内置默认值，显式路径必须存在。
func loadConfig(opts *cliOptions, required bool) (*config.Config, string, error) {
	path, explicit := resolveConfigPath(opts.configFlag)
	if !explicit && !required {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg, err := config.Defaults()
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, usageError{err}
	}
	return cfg, path, nil
}

// runtimeDeps 聚合一次命令执行需要的协作者。
type runtimeDeps struct {
	cfg        *config.Config
	logger     *logrus.Logger
	downloader *download.Downloader
}

func buildRuntime(cfg *config.Config, withProgress bool) (*runtimeDeps, error) {
	logger, err := logging.InitLogger(cfg.Global, stdErr)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var progress io.Writer
	if withProgress && isTerminal(stdErr) {
		progress = stdErr
	}

	engine := fetch.NewEngineFromConfig(cfg, logger)
	return &runtimeDeps{
		cfg:    cfg,
		logger: logger,
		downloader: download.New(download.Options{
			Engine:   engine,
			Logger:   logger,
			Progress: progress,
		}),
	}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// usageError 标记由配置或参数引起的失败。
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var (
		usage    usageError
		cfgErr   *download.ConfigurationError
		fieldErr config.FieldError
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &cfgErr), errors.As(err, &fieldErr):
		return exitUsage
	default:
		return exitFailure
	}
}
