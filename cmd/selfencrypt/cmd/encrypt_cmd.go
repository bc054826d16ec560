package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/util"
)

var (
	EncryptCmd   = flag.NewFlagSet("encrypt", flag.ExitOnError)
	encCommon    = addCommonFlags(EncryptCmd)
	encInputFile = EncryptCmd.String("input", "", "path to the input file")
	encMapFile   = EncryptCmd.String("map", "", "path to write the data map to (default: <input>.map)")
)

func RunEncryptCmd(ctx context.Context) int {
	if *encInputFile == "" {
		logrus.Fatalln("You must specify -input.")
	}
	mapFile := *encMapFile
	if mapFile == "" {
		mapFile = *encInputFile + ".map"
	}

	env, err := encCommon.setup(ctx)
	if err != nil {
		logrus.Fatalln("Failed to set up:", err)
	}
	defer env.close()

	file, err := os.Open(*encInputFile)
	if err != nil {
		env.logger.Fatalln("Failed to open file:", err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		env.logger.Fatalln("Failed to stat file:", err)
	}

	env.logger.Infof("Encrypting %s (%s)", *encInputFile, util.FormatSize(stat.Size()))
	input := util.NewProgressReader(file, stat.Size(), os.Stderr)
	dm, err := EncryptStream(ctx, env.store, input, env.config.Options(env.logger))
	if err != nil {
		env.logger.Errorln("Failed to encrypt file:", err)
		return 1
	}

	if err := WriteDataMap(mapFile, dm); err != nil {
		env.logger.Errorln(err)
		return 1
	}
	env.logger.WithFields(logrus.Fields{
		"chunks": len(dm.Chunks),
		"map":    mapFile,
	}).Info("Done.")
	return 0
}
