package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/razvanmarinn/weave/internal/core"
)

const csvSuffix = ".csv"

var partSuffix = regexp.MustCompile(`-part\d{4}\.csv$`)

// MonthPartition derives the YYYY-MM-01 partition key from a dated file name
// of the form [prefix-]YYYY-MM-DD.csv. The day is discarded.
func MonthPartition(filename string) (string, error) {
	bare, ok := strings.CutSuffix(filename, csvSuffix)
	if !ok {
		return "", partitionError(filename, "suffix "+csvSuffix)
	}
	parts := strings.Split(bare, "-")
	if len(parts) != 3 {
		parts = trailingDate(parts)
		if parts == nil {
			return "", partitionError(filename, "three '-' separated date components")
		}
	}
	year, month, day := parts[0], parts[1], parts[2]
	if err := checkYearMonth(year, month); err != nil {
		return "", partitionError(filename, err.Error())
	}
	if !isDigits(day, 2) {
		return "", partitionError(filename, "two digit day")
	}
	return year + "-" + month + "-01", nil
}

// trailingDate allows a prefix before the date, e.g. lv-feeder-2024-02-12.
// The prefix itself must not end with a purely numeric segment.
func trailingDate(parts []string) []string {
	if len(parts) < 4 {
		return nil
	}
	if isNumeric(parts[len(parts)-4]) {
		return nil
	}
	return parts[len(parts)-3:]
}

// MonthPartitionFromURL applies MonthPartition to the URL's file name.
func MonthPartitionFromURL(url string) (string, error) {
	return MonthPartition(FilenameForURL(url))
}

// PartPartition derives the partition for NGED style names, e.g.
// aggregated-smart-meter-data-lv-feeder-2024-01-part0000.csv.
func PartPartition(filename string) (string, error) {
	if !partSuffix.MatchString(filename) {
		return "", partitionError(filename, "-partNNNN.csv suffix")
	}
	bare := partSuffix.ReplaceAllString(filename, "")
	parts := strings.Split(bare, "-")
	if len(parts) < 2 {
		return "", partitionError(filename, "year and month components")
	}
	year, month := parts[len(parts)-2], parts[len(parts)-1]
	if err := checkYearMonth(year, month); err != nil {
		return "", partitionError(filename, err.Error())
	}
	return year + "-" + month + "-01", nil
}

// DailyFilenames lists the raw daily file names, YYYY-MM-DD.csv.gz, for every
// day of the month the partition key belongs to.
func DailyFilenames(partitionKey string) ([]string, error) {
	start, err := time.Parse(time.DateOnly, partitionKey)
	if err != nil || start.Day() != 1 {
		return nil, partitionError(partitionKey, "YYYY-MM-01")
	}
	var files []string
	for d := start; d.Month() == start.Month(); d = d.AddDate(0, 0, 1) {
		files = append(files, d.Format(time.DateOnly)+csvSuffix+".gz")
	}
	return files, nil
}

// MonthlyFilename is the name of the monthly parquet file for a partition key.
func MonthlyFilename(partitionKey string) (string, error) {
	start, err := time.Parse(time.DateOnly, partitionKey)
	if err != nil || start.Day() != 1 {
		return "", partitionError(partitionKey, "YYYY-MM-01")
	}
	return start.Format("2006-01") + ".parquet", nil
}

func checkYearMonth(year, month string) error {
	if !isDigits(year, 4) {
		return fmt.Errorf("four digit year")
	}
	if !isDigits(month, 2) {
		return fmt.Errorf("two digit month")
	}
	if m, _ := strconv.Atoi(month); m < 1 || m > 12 {
		return fmt.Errorf("month 01-12")
	}
	return nil
}

func isDigits(s string, n int) bool {
	return len(s) == n && isNumeric(s)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func partitionError(subject, expected string) error {
	return &core.StructuralError{Op: "derive partition", Subject: subject, Expected: expected}
}
