package pe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadEddy reads the split encoding used by FSL eddy and topup: a
// config file with one row per unique PE setting, and an indices file
// with one 1-based config row number per volume. The result is the
// expanded per-volume scheme (indices converted to 0-based internally).
func LoadEddy(configPath, indicesPath string) (Scheme, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	rows, err := ParseScheme(string(configData))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", configPath, err)
	}

	indicesData, err := os.ReadFile(indicesPath)
	if err != nil {
		return nil, err
	}

	var scheme Scheme
	for _, tok := range strings.Fields(string(indicesData)) {
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", indicesPath, err)
		}
		if idx < 1 || idx > len(rows) {
			return nil, fmt.Errorf("%s: index %d out of range for %d config rows",
				indicesPath, idx, len(rows))
		}
		scheme = append(scheme, rows[idx-1])
	}
	if len(scheme) == 0 {
		return nil, fmt.Errorf("%s: no volume indices found", indicesPath)
	}
	return scheme, nil
}

// SaveEddy writes a per-volume scheme in the split config+indices
// encoding, with 1-based indices.
func SaveEddy(scheme Scheme, configPath, indicesPath string) error {
	cfg := scheme.Unique()

	var config strings.Builder
	for _, row := range cfg.Rows {
		fmt.Fprintf(&config, "%g %g %g %g\n", row[0], row[1], row[2], row[3])
	}
	if err := os.WriteFile(configPath, []byte(config.String()), 0644); err != nil {
		return err
	}

	indices := make([]string, len(cfg.Index))
	for v, p := range cfg.Index {
		indices[v] = strconv.Itoa(p + 1)
	}
	return os.WriteFile(indicesPath, []byte(strings.Join(indices, " ")+"\n"), 0644)
}
