package cmd

import (
	"context"
	"flag"

	"github.com/sirupsen/logrus"

	selfencryption "github.com/waynenilsen/self-encryption"
)

var (
	VerifyCmd  = flag.NewFlagSet("verify", flag.ExitOnError)
	verCommon  = addCommonFlags(VerifyCmd)
	verMapFile = VerifyCmd.String("map", "", "path to the data map")
)

func RunVerifyCmd(ctx context.Context) int {
	if *verMapFile == "" {
		logrus.Fatalln("You must specify -map.")
	}

	env, err := verCommon.setup(ctx)
	if err != nil {
		logrus.Fatalln("Failed to set up:", err)
	}
	defer env.close()

	dm, err := ReadDataMap(*verMapFile)
	if err != nil {
		env.logger.Fatalln(err)
	}

	result, err := selfencryption.Verify(ctx, env.store, dm)
	if err != nil {
		env.logger.Errorln("Failed to verify:", err)
		return 1
	}

	for i, res := range result.ByChunk {
		if res.IsDecryptable {
			continue
		}
		env.logger.WithFields(logrus.Fields{
			"chunk":     i,
			"name":      res.Name.Short(),
			"available": res.IsAvailable,
			"intact":    res.IsIntact,
		}).Warnln("Broken chunk:", res.Err)
	}

	if !result.AllGood {
		env.logger.Errorf("Verification failed for %s", *verMapFile)
		return 1
	}
	env.logger.Infof("All %d chunks are good.", result.TotalChunks)
	return 0
}
