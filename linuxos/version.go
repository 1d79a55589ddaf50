package linuxos

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is an ordered tuple of non-negative integers with
// lexicographic comparison, parsed from a kernel banner.
type Version []int

// bannerPattern extracts the dotted version from a "Linux version
// X.Y.Z ..." banner line.
var bannerPattern = regexp.MustCompile(`^Linux version ((?:\.?\d+)+)`)

// ParseVersion parses a dotted version string such as "5.4.0".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")

	nums := make(Version, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("linuxos: invalid version component %q in %q: %w", p, s, err)
		}

		nums = append(nums, n)
	}

	if len(nums) == 0 {
		return nil, fmt.Errorf("linuxos: empty version string")
	}

	return nums, nil
}

// ParseBannerVersion extracts and parses the kernel version from a
// full banner string ("Linux version 5.4.0-42-generic ...").
func ParseBannerVersion(banner string) (Version, error) {
	m := bannerPattern.FindStringSubmatch(banner)
	if m == nil {
		return nil, fmt.Errorf("linuxos: unable to parse kernel version in banner %q", banner)
	}

	return ParseVersion(m[1])
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other, comparing component-wise and treating a missing
// trailing component as smaller (I7: a total, monotone embedding).
func (v Version) Compare(other Version) int {
	for i := 0; i < len(v) && i < len(other); i++ {
		if v[i] != other[i] {
			if v[i] < other[i] {
				return -1
			}

			return 1
		}
	}

	switch {
	case len(v) < len(other):
		return -1
	case len(v) > len(other):
		return 1
	}

	return 0
}

func (v Version) Less(other Version) bool         { return v.Compare(other) < 0 }
func (v Version) LessOrEqual(other Version) bool   { return v.Compare(other) <= 0 }
func (v Version) Greater(other Version) bool       { return v.Compare(other) > 0 }
func (v Version) GreaterOrEqual(other Version) bool { return v.Compare(other) >= 0 }
func (v Version) Equal(other Version) bool         { return v.Compare(other) == 0 }

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}

	return strings.Join(parts, ".")
}
