package upload

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const maxNameAttempts = 1000

// outputName derives "<stem>-<unix millis><ext>" from the logical file name,
// adding "-N" until the name is free in dir.
func outputName(dir, fileName string, now time.Time) (string, error) {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	if stem == "" {
		// ".bashrc" style names: treat the whole thing as the stem
		stem, ext = fileName, ""
	}
	base := stem + "-" + strconv.FormatInt(now.UnixMilli(), 10)

	for n := 0; n < maxNameAttempts; n++ {
		name := base + ext
		if n > 0 {
			name = base + "-" + strconv.Itoa(n) + ext
		}
		_, err := os.Lstat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("no free output name for " + fileName)
}
