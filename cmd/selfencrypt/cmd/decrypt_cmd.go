package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/util"
)

var (
	DecryptCmd    = flag.NewFlagSet("decrypt", flag.ExitOnError)
	decCommon     = addCommonFlags(DecryptCmd)
	decMapFile    = DecryptCmd.String("map", "", "path to the data map")
	decOutputFile = DecryptCmd.String("output", "", "path to the output file")
)

func RunDecryptCmd(ctx context.Context) int {
	if *decMapFile == "" || *decOutputFile == "" {
		logrus.Fatalln("You must specify -map and -output.")
	}

	env, err := decCommon.setup(ctx)
	if err != nil {
		logrus.Fatalln("Failed to set up:", err)
	}
	defer env.close()

	dm, err := ReadDataMap(*decMapFile)
	if err != nil {
		env.logger.Fatalln(err)
	}

	output, err := os.Create(*decOutputFile)
	if err != nil {
		env.logger.Fatalln("Failed to open output file:", err)
	}
	defer output.Close()

	env.logger.Infof("Decrypting %s to %s", *decMapFile, *decOutputFile)
	r, err := selfencryption.NewReadSeeker(ctx, env.store, dm, env.config.Options(env.logger))
	if err != nil {
		env.logger.Fatalln("Failed to open data map:", err)
	}
	n, err := io.Copy(output, util.NewProgressReader(r, r.Len(), os.Stderr))
	if err != nil {
		env.logger.Errorln("Failed to decrypt file:", err)
		return 1
	}
	env.logger.Infof("Decrypted %s", util.FormatSize(n))
	return 0
}
