package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/datamap"
)

var (
	ShareCmd      = flag.NewFlagSet("share", flag.ExitOnError)
	shMapFile     = ShareCmd.String("map", "", "path to the data map")
	shParts       = ShareCmd.Int("parts", 3, "number of shares to create")
	shThreshold   = ShareCmd.Int("threshold", 2, "number of shares needed to recover the data map")
	CombineCmd    = flag.NewFlagSet("combine", flag.ExitOnError)
	cmbShareFiles = CombineCmd.String("shares", "", "comma separated paths to the shares")
	cmbOutputFile = CombineCmd.String("output", "", "path to write the recovered data map to")
)

// ShareFileName returns the path of share i of a data map file.
func ShareFileName(mapFile string, i int) string {
	return fmt.Sprintf("%s.share%d", mapFile, i)
}

// ShareDataMap splits the data map at mapFile into share files next to it.
func ShareDataMap(mapFile string, parts, threshold int) ([]string, error) {
	dm, err := ReadDataMap(mapFile)
	if err != nil {
		return nil, err
	}
	shares, err := datamap.Split(dm, parts, threshold)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(shares))
	for i, share := range shares {
		names[i] = ShareFileName(mapFile, i)
		if err := os.WriteFile(names[i], share, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write share %d: %w", i, err)
		}
	}
	return names, nil
}

// CombineShares recovers a data map from share files.
func CombineShares(shareFiles []string) (*datamap.DataMap, error) {
	shares := make([][]byte, len(shareFiles))
	for i, name := range shareFiles {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read share: %w", err)
		}
		shares[i] = data
	}
	return datamap.Combine(shares)
}

func RunShareCmd(_ context.Context) int {
	if *shMapFile == "" {
		logrus.Fatalln("You must specify -map.")
	}
	names, err := ShareDataMap(*shMapFile, *shParts, *shThreshold)
	if err != nil {
		logrus.Errorln("Failed to share data map:", err)
		return 1
	}
	logrus.Infof("Wrote %d shares, any %d of which recover the data map: %s",
		len(names), *shThreshold, strings.Join(names, ", "))
	return 0
}

func RunCombineCmd(_ context.Context) int {
	if *cmbShareFiles == "" || *cmbOutputFile == "" {
		logrus.Fatalln("You must specify -shares and -output.")
	}
	dm, err := CombineShares(strings.Split(*cmbShareFiles, ","))
	if err != nil {
		logrus.Errorln("Failed to combine shares:", err)
		return 1
	}
	if err := WriteDataMap(*cmbOutputFile, dm); err != nil {
		logrus.Errorln(err)
		return 1
	}
	logrus.Infof("Recovered data map of %s", *cmbOutputFile)
	return 0
}
