package symbols

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SystemMapProvider resolves symbol addresses from a System.map-format
// file: lines of "<hex address> <type char> <name>". It does not carry
// struct layouts; StructOffset/StructSize always fail.
//
// The file is expected at $root/$imageID/$guid/System.map.
type SystemMapProvider struct {
	addrs map[string]uint64 // unslid, file-relative addresses

	slide    uint64
	slideSet bool
}

// NewSystemMapProvider opens and parses the System.map file for
// (imageID, guid) under root.
func NewSystemMapProvider(root, imageID, guid string) (*SystemMapProvider, error) {
	path := filepath.Join(root, imageID, guid, "System.map")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbols: open system map %s: %w", path, err)
	}
	defer f.Close()

	addrs := map[string]uint64{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}

		addrs[fields[2]] = addr
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symbols: read system map %s: %w", path, err)
	}

	return &SystemMapProvider{addrs: addrs}, nil
}

func (s *SystemMapProvider) Symbol(name string) (uint64, bool) {
	v, ok := s.addrs[name]
	if !ok {
		return 0, false
	}

	return v + s.slide, true
}

func (s *SystemMapProvider) StructOffset(string, string) (uint64, bool) { return 0, false }
func (s *SystemMapProvider) StructSize(string) (uint64, bool)           { return 0, false }

func (s *SystemMapProvider) SetASLR(knownSymbol string, observed uint64) bool {
	fileAddr, ok := s.addrs[knownSymbol]
	if !ok {
		return false
	}

	s.slide = observed - fileAddr
	s.slideSet = true

	return true
}

func (s *SystemMapProvider) ASLR() uint64 { return s.slide }

var (
	_ Provider     = (*SystemMapProvider)(nil)
	_ ASLRProvider = (*SystemMapProvider)(nil)
)
