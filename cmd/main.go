package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"signalexecutor/src/app"
	"signalexecutor/src/server"
)

var Version string

func main() {
	setupLogger()

	cliApp := cli.NewApp()
	cliApp.Name = "signalexecutor"
	cliApp.Usage = "Trading signal execution pipeline"
	cliApp.Version = Version

	cliApp.Commands = []cli.Command{
		serverCMD,
		reconcilerCMD,
		recoverCMD,
	}

	if err := cliApp.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() {
	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

var (
	serverCMD = cli.Command{
		Name:        "server",
		Usage:       "run the webhook gateway",
		Action:      serverAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the HTTP gateway that receives signals and creates orders`,
	}
	reconcilerCMD = cli.Command{
		Name:        "reconciler",
		Usage:       "run the reconciliation worker",
		Action:      reconcilerAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the loop that polls broker order state and applies fills`,
	}
	recoverCMD = cli.Command{
		Name:        "recover",
		Usage:       "restore position reservations and exit",
		Action:      recoverAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `One-shot recovery pass for use after an incident`,
	}
)

func serverAction(_ *cli.Context) error {
	logrus.Info("Starting server CMD")

	a, err := app.Build()
	if err != nil {
		logrus.WithError(err).Error("Failed to initialize application")
		return err
	}

	return a.RunServer(context.Background(), server.GetConfig().Port)
}

func reconcilerAction(_ *cli.Context) error {
	logrus.Info("Starting reconciler CMD")

	a, err := app.Build()
	if err != nil {
		logrus.WithError(err).Error("Failed to initialize application")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	return a.RunReconciler(ctx)
}

func recoverAction(_ *cli.Context) error {
	logrus.Info("Starting recover CMD")

	a, err := app.Build()
	if err != nil {
		logrus.WithError(err).Error("Failed to initialize application")
		return err
	}

	return a.RunRecover(context.Background())
}
