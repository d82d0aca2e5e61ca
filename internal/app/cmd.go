package app

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/feedsync/internal/config"
)

// defaultHealthcheckPort はSERVER_PORT未設定時にhealthcheckが問い合わせるポート。
const defaultHealthcheckPort = "8080"

// NewRootCommand はfeedsyncのコマンドツリーを構築する。
// logOutは構造化ログの出力先。サブコマンドの結果表示はcmd.OutOrStdout()に書き出す。
// サブコマンドを指定しない場合はserveとして動作する。
func NewRootCommand(logOut io.Writer) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	rootCmd := &cobra.Command{
		Use:   "feedsync",
		Short: "Multi-user RSS/Atom feed aggregator",
		Long: "feedsync aggregates RSS and Atom feeds for multiple users.\n\n" +
			"Without a subcommand it starts the web server.\n\n" +
			"Environment:\n" + config.Usage(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the periodic sync and session cleanup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}

	var rollback int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runMigrate(cfg, rollback)
		},
	}
	migrateCmd.Flags().IntVar(&rollback, "rollback", 0, "roll back the given number of migrations instead of applying")

	addUserCmd := &cobra.Command{
		Use:   "add-user <name> <password>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runAddUser(cmd.Context(), cfg, cmd.OutOrStdout(), args[0], args[1])
		},
	}

	syncCmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"update", "up"},
		Short:   "Synchronize every source once",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runSync(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <uri-list-file>",
		Short: "Delete every source and recreate them from a URI list",
		Long: `Delete every source together with its entries and subscriptions,
then recreate sources from the given file (one feed URI per line).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(logOut)
			if err != nil {
				return err
			}
			return runReset(cmd.Context(), cfg, cmd.OutOrStdout(), args[0])
		},
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	healthcheckCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = defaultHealthcheckPort
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, addUserCmd, syncCmd, resetCmd, healthcheckCmd)
	return rootCmd
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。wはログの出力先。
func Run(w io.Writer, args []string) error {
	cmd := NewRootCommand(w)
	cmd.SetArgs(args)
	return cmd.Execute()
}
