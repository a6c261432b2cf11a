package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/stegofed/app"
	"github.com/deemkeen/stegofed/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "ActivityPub federation and signature engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		actorCmd(),
		keysCmd(),
		noteCmd(),
		followCmd(),
		unfollowCmd(),
		answerCmd("accept"),
		answerCmd("reject"),
		requestsCmd(),
		likeCmd(),
		announceCmd(),
		deleteCmd(),
		deliveriesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, wires the engine and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	conf, err := util.ReadConf()
	if err != nil {
		return err
	}
	log, err := util.NewLogger(debug || conf.Conf.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, conf, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the inbox and actor endpoints and deliver activities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Log.Info("Starting "+util.GetNameAndVersion(),
					zap.String("baseUrl", a.Conf.PublicURL()),
					zap.String("store", a.Conf.Conf.Store.Driver))
				if debug {
					fmt.Println(util.PrettyPrint(a.Conf))
				}
				return a.Serve(ctx)
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
