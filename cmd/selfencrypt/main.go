package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/cmd/selfencrypt/cmd"
)

var subcommands = map[string]*flag.FlagSet{
	cmd.EncryptCmd.Name(): cmd.EncryptCmd,
	cmd.DecryptCmd.Name(): cmd.DecryptCmd,
	cmd.VerifyCmd.Name():  cmd.VerifyCmd,
	cmd.ShareCmd.Name():   cmd.ShareCmd,
	cmd.CombineCmd.Name(): cmd.CombineCmd,
	cmd.BenchCmd.Name():   cmd.BenchCmd,
}

func run() int {
	subcommandNames := []string{}
	for name := range subcommands {
		subcommandNames = append(subcommandNames, name)
	}
	sort.Strings(subcommandNames)

	if len(os.Args) < 2 {
		logrus.Fatalf("You must specify a subcommand. Valid subcommands are: %s\n", strings.Join(subcommandNames, ", "))
	}

	command := subcommands[os.Args[1]]
	if command == nil {
		logrus.Fatalf("unknown subcommand '%s'. Available commands are: %s\n", os.Args[1], strings.Join(subcommandNames, ", "))
	}

	command.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch command.Name() {
	case cmd.EncryptCmd.Name():
		return cmd.RunEncryptCmd(ctx)
	case cmd.DecryptCmd.Name():
		return cmd.RunDecryptCmd(ctx)
	case cmd.VerifyCmd.Name():
		return cmd.RunVerifyCmd(ctx)
	case cmd.ShareCmd.Name():
		return cmd.RunShareCmd(ctx)
	case cmd.CombineCmd.Name():
		return cmd.RunCombineCmd(ctx)
	case cmd.BenchCmd.Name():
		return cmd.RunBenchCmd(ctx)
	}

	return 0
}

func main() {
	os.Exit(run())
}
