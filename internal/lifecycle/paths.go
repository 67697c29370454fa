package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
)

// splitPattern matches one member of a split weight-file family:
// <base>-NNNNN-of-MMMMM.<ext>, zero-padded five-digit indices.
var splitPattern = regexp.MustCompile(`^(.+)-(\d{5})-of-(\d{5})(\.[^.]+)?$`)

// ErrIncompleteSplitSet is returned when some members of a detected split
// family are missing from the directory.
type ErrIncompleteSplitSet struct {
	Missing []string
}

func (e *ErrIncompleteSplitSet) Error() string {
	return fmt.Sprintf("incomplete split set, missing: %v", e.Missing)
}

// splitFamily groups the discovered members of one base/total combination.
type splitFamily struct {
	base  string
	ext   string
	total int
	have  map[int]string // index -> filename
}

// ResolveWeightPath resolves localPath (a file or directory) to the
// concrete file the engine should be pointed at.
//
// If localPath is a regular file, it is returned unchanged. If it is a
// directory, it is scanned for a split-file family; when one is found,
// every member 1..M must be present or ErrIncompleteSplitSet names the
// missing files. The engine is pointed at part 1 and auto-loads the
// rest. A directory with no split family and no single obvious weight
// file is reported as an error naming the directory.
func ResolveWeightPath(localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("lifecycle: stat model path %s: %w", localPath, err)
	}
	if !info.IsDir() {
		return localPath, nil
	}

	entries, err := os.ReadDir(localPath)
	if err != nil {
		return "", fmt.Errorf("lifecycle: read model dir %s: %w", localPath, err)
	}

	families := map[string]*splitFamily{}
	var plainFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		m := splitPattern.FindStringSubmatch(name)
		if m == nil {
			plainFiles = append(plainFiles, name)
			continue
		}
		base, idxStr, totalStr, ext := m[1], m[2], m[3], m[4]
		idx, _ := strconv.Atoi(idxStr)
		total, _ := strconv.Atoi(totalStr)
		key := base + "|" + totalStr + "|" + ext
		fam, ok := families[key]
		if !ok {
			fam = &splitFamily{base: base, ext: ext, total: total, have: make(map[int]string)}
			families[key] = fam
		}
		fam.have[idx] = name
	}

	if len(families) > 0 {
		// Prefer splits over any previously-merged plain artifacts in the
		// same directory; plain files are not used for selection, only
		// reported in an info log.
		if len(plainFiles) > 0 {
			log.Info().Str("dir", localPath).Strs("ignored", plainFiles).
				Msg("lifecycle: split weight set present, ignoring other files")
		}
		return resolveSplitFamily(localPath, pickFamily(families))
	}

	if len(plainFiles) == 1 {
		return filepath.Join(localPath, plainFiles[0]), nil
	}
	return "", fmt.Errorf("lifecycle: no split-file family or single weight file found in %s", localPath)
}

// pickFamily deterministically selects one family when a directory somehow
// contains more than one (picks the one with the most members present).
func pickFamily(families map[string]*splitFamily) *splitFamily {
	keys := make([]string, 0, len(families))
	for k := range families {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := families[keys[0]]
	for _, k := range keys[1:] {
		if len(families[k].have) > len(best.have) {
			best = families[k]
		}
	}
	return best
}

func resolveSplitFamily(dir string, fam *splitFamily) (string, error) {
	var missing []string
	for i := 1; i <= fam.total; i++ {
		if _, ok := fam.have[i]; !ok {
			missing = append(missing, splitMemberName(fam, i))
		}
	}
	if len(missing) > 0 {
		return "", &ErrIncompleteSplitSet{Missing: missing}
	}
	return filepath.Join(dir, fam.have[1]), nil
}

func splitMemberName(fam *splitFamily, idx int) string {
	return fmt.Sprintf("%s-%05d-of-%05d%s", fam.base, idx, fam.total, fam.ext)
}
