package main

import (
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/streamchat/backend/internal/config"
	"github.com/zhouzirui/streamchat/backend/internal/logging"
	"github.com/zhouzirui/streamchat/backend/internal/service/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
	"github.com/zhouzirui/streamchat/backend/internal/tui"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	model   string
	logFile string
	style   string
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Streaming chat assistant in the terminal",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			applyFlags(cfg, f)

			// 终端被 TUI 占用，日志只写文件
			closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			client, err := completion.NewFromConfig(cfg.AI)
			if err != nil {
				return err
			}

			session := chat.NewSession(cmd.Context(), client, chat.Options{
				Model:             cfg.AI.Model,
				SystemInstruction: cfg.AI.SystemInstruction,
			})
			defer session.Close()

			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				session.SetCredential(key)
			}

			log.Info().Str("session", session.ID()).Str("model", cfg.AI.Model).Msg("[chat] terminal session started")
			program := tea.NewProgram(tui.New(session, tui.Options{MarkdownStyle: f.style}), tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return errors.Wrap(err, "run terminal ui")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.model, "model", "", "model id, overrides ai.model")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "log file, defaults to log.file or chat.log in the user cache dir")
	cmd.Flags().StringVar(&f.style, "style", "", "glamour style (dark, light, notty); empty detects the terminal")
	return cmd
}

func applyFlags(cfg *config.Config, f *flags) {
	if f.model != "" {
		cfg.AI.Model = f.model
	}
	switch {
	case f.logFile != "":
		cfg.Log.File = f.logFile
	case cfg.Log.File == "":
		cfg.Log.File = defaultLogFile()
	}
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "streamchat-chat.log")
	}
	dir = filepath.Join(dir, "streamchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return filepath.Join(os.TempDir(), "streamchat-chat.log")
	}
	return filepath.Join(dir, "chat.log")
}
