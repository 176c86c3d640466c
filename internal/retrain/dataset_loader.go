package retrain

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// LoadDataset reads the train/calib/test/test-drifted CSV files named in
// configuration into an in-memory Dataset for the worker's poll loop. Each
// file's header row names the feature columns; the final column is the
// integer label.
func LoadDataset(trainPath, calibPath, testPath, testDriftedPath string) (Dataset, error) {
	train, featureNames, err := loadRows(trainPath)
	if err != nil {
		return Dataset{}, fmt.Errorf("retrain: load train set: %w", err)
	}
	calib, _, err := loadRows(calibPath)
	if err != nil {
		return Dataset{}, fmt.Errorf("retrain: load calib set: %w", err)
	}
	test, _, err := loadRows(testPath)
	if err != nil {
		return Dataset{}, fmt.Errorf("retrain: load test set: %w", err)
	}
	var testDrifted []Row
	if testDriftedPath != "" {
		testDrifted, _, err = loadRows(testDriftedPath)
		if err != nil {
			return Dataset{}, fmt.Errorf("retrain: load drifted test set: %w", err)
		}
		for i := range testDrifted {
			testDrifted[i].Drifted = true
		}
	}

	return Dataset{
		Train:        train,
		Calib:        calib,
		Test:         test,
		TestDrifted:  testDrifted,
		FeatureNames: featureNames,
	}, nil
}

func loadRows(path string) ([]Row, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("%s: expected a header row and at least one data row", path)
	}

	header := records[0]
	featureNames := header[:len(header)-1]

	rows := make([]Row, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) != len(header) {
			return nil, nil, fmt.Errorf("%s: row %d has %d columns, want %d", path, i+1, len(record), len(header))
		}
		features := make([]float64, len(featureNames))
		for j := range featureNames {
			v, err := strconv.ParseFloat(record[j], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: row %d column %q: %w", path, i+1, header[j], err)
			}
			features[j] = v
		}
		label, err := strconv.Atoi(record[len(record)-1])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: row %d label column: %w", path, i+1, err)
		}
		rows = append(rows, Row{Features: features, Label: label})
	}

	return rows, featureNames, nil
}
