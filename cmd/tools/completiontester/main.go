package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/streamchat/backend/internal/config"
	"github.com/zhouzirui/streamchat/backend/internal/logging"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
)

type options struct {
	message string
	system  string
	model   string
	key     string
	timeout time.Duration
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "completiontester [message]",
		Short:        "运行一次流式补全并逐段打印输出",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.message = args[0]
			}
			loadEnv(opts)

			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "配置加载失败")
			}
			if _, err := logging.Setup(config.LogConfig{Level: cfg.Log.Level, Format: "console"}); err != nil {
				return err
			}

			client, err := completion.NewFromConfig(cfg.AI)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return run(ctx, client, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.message, "message", "m", "Hello!", "用户消息")
	cmd.Flags().StringVar(&opts.system, "system", "", "系统提示词，默认使用配置中的值")
	cmd.Flags().StringVar(&opts.model, "model", "", "模型，默认使用配置中的值")
	cmd.Flags().StringVar(&opts.key, "key", "", "API key，默认读取 OPENAI_API_KEY")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "请求超时时间，0 表示不限制")
	return cmd
}

// loadEnv reads .env before falling back to OPENAI_API_KEY, so a key kept only in .env is found.
func loadEnv(opts *options) {
	_ = godotenv.Load()
	if opts.key == "" {
		opts.key = os.Getenv("OPENAI_API_KEY")
	}
}

type streamer interface {
	Stream(ctx context.Context, req completion.Request, listener completion.Listener)
}

// run prints fragments as they arrive and reports the terminal event.
func run(ctx context.Context, client streamer, opts *options, out io.Writer) error {
	if strings.TrimSpace(opts.message) == "" {
		return errors.New("message is empty")
	}

	start := time.Now()
	var firstFragment time.Duration
	var failure string
	fragments := 0

	client.Stream(ctx, completion.Request{
		SystemInstruction: opts.system,
		UserMessage:       opts.message,
		Model:             opts.model,
		Credential:        opts.key,
	}, completion.ListenerFuncs{
		Fragment: func(text string) {
			if fragments == 0 {
				firstFragment = time.Since(start)
			}
			fragments++
			fmt.Fprint(out, text)
		},
		Complete: func(fullText string) {
			fmt.Fprintln(out)
			log.Info().
				Int("fragments", fragments).
				Int("length", len(fullText)).
				Dur("first_fragment", firstFragment).
				Dur("total", time.Since(start)).
				Msg("补全完成")
		},
		Failure: func(reason string) {
			failure = reason
		},
	})

	if failure != "" {
		return errors.Errorf("补全失败: %s", failure)
	}
	return nil
}
