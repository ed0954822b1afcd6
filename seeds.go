package crawler

import (
	"bufio"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ReadSeedFile reads a UTF-8 seed list, one URL per line. Blank lines and
// lines starting with # are skipped; duplicates collapse keeping the first
// occurrence. Lines that fail to parse as URLs are logged and dropped rather
// than aborting the load.
func ReadSeedFile(path string) ([]*URL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Kindedf(Fatal, "failed to open seed file %v: %v", path, err)
	}
	defer f.Close()

	var seeds []*URL
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, perr := ParseURL(line)
		if perr != nil {
			log.Warnf("Skipping unparseable seed at %v:%v: %v", path, lineno, perr)
			continue
		}
		if !acceptedScheme(u.Scheme) || u.Hostname() == "" {
			log.Warnf("Skipping non-crawlable seed at %v:%v: %v", path, lineno, line)
			continue
		}
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		seeds = append(seeds, u)
	}
	if serr := scanner.Err(); serr != nil {
		return nil, Kindedf(Fatal, "failed reading seed file %v: %v", path, serr)
	}
	return seeds, nil
}
