package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

// writeResultLogs persists the raw analysis log and the derived text log.
func writeResultLogs(dir string, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	if err := writeJSON(filepath.Join(dir, AnalysisLogName), results); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, TranscriptLogName), texts)
}

// ReadResults loads the analysis log of a finished run.
func ReadResults(dir string) ([]Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, AnalysisLogName))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageFailed, "read %s", AnalysisLogName)
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StorageFailed, "parse %s", AnalysisLogName)
	}
	return results, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrapf(err, apperrors.StorageFailed, "encode %s", filepath.Base(path))
	}
	tmp := filepath.Join(filepath.Dir(path), tempPrefix+filepath.Base(path))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrapf(err, apperrors.StorageFailed, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrapf(err, apperrors.StorageFailed, "rename %s", filepath.Base(path))
	}
	return nil
}
