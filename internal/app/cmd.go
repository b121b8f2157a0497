package app

import (
	"context"
	"io"
	"os"

	"github.com/hitoshi/taskboard/internal/config"
	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandAdmin はアカウント管理の運用コマンドを示す。
	CommandAdmin Command = "admin"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンド省略時はserveとして起動する。
func Run(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := func(cmd *cobra.Command, _ []string) error {
		return withConfig(cmd, w, runServe)
	}

	root := &cobra.Command{
		Use:           "taskboard",
		Short:         "Team task board API server and background worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Run the notification watcher, overdue scan and cleanup jobs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withConfig(cmd, w, runWorker)
			},
		},
		migrateCmd(w),
		healthcheckCmd(),
		adminCmd(w),
	)
	return root
}

func migrateCmd(w io.Writer) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Long: `Apply all pending database migrations.

Examples:
  taskboard migrate
  taskboard migrate --down 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd, w, func(_ context.Context, cfg *config.Config) error {
				return runMigrate(cfg, down)
			})
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back the given number of migrations instead of applying")
	return cmd
}

// healthcheckCmd は設定の読み込みを行わない軽量なサブコマンド。
func healthcheckCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check that the local API server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}
	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "port of the local API server")
	return cmd
}

// withConfig は初期化を行ってからfnを実行し、終了時にログファイルを閉じる。
func withConfig(cmd *cobra.Command, w io.Writer, fn func(ctx context.Context, cfg *config.Config) error) error {
	cfg, closer, err := Init(w)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(cmd.Context(), cfg)
}
