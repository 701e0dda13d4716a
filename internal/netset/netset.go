// Package netset derives and merges .netset files: newline-delimited lists
// of IP CIDR blocks for firewall import.
package netset

import (
	"bufio"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/abuseguard/badasn/internal/ipapi"
)

// FromDetails collects the announced prefixes of every ASN whose abuser
// score is at or above threshold. The result is deduplicated and sorted
// canonically. Returns the prefixes plus how many ASNs passed the filter
// and how many were skipped.
func FromDetails(details map[int]*ipapi.Detail, threshold float64) (prefixes []string, included, skipped int) {
	set := make(map[string]bool)
	for _, d := range details {
		if d.Score() < threshold {
			skipped++
			continue
		}
		included++
		for _, p := range d.Prefixes {
			set[p] = true
		}
		for _, p := range d.PrefixesIPv6 {
			set[p] = true
		}
	}
	return SortPrefixes(set, nil), included, skipped
}

// SortPrefixes orders a prefix set canonically: IPv4 first by address then
// prefix length, then IPv6 the same way. Prefixes that do not parse are
// reported and dropped rather than failing the run.
func SortPrefixes(set map[string]bool, log *slog.Logger) []string {
	if log == nil {
		log = slog.Default()
	}
	var v4, v6 []netip.Prefix
	for p := range set {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(p))
		if err != nil {
			log.Warn("skipping invalid prefix", "prefix", p, "err", err)
			continue
		}
		if prefix.Addr().Is4() {
			v4 = append(v4, prefix)
		} else {
			v6 = append(v6, prefix)
		}
	}
	less := func(s []netip.Prefix) func(i, j int) bool {
		return func(i, j int) bool {
			if c := s[i].Addr().Compare(s[j].Addr()); c != 0 {
				return c < 0
			}
			return s[i].Bits() < s[j].Bits()
		}
	}
	sort.Slice(v4, less(v4))
	sort.Slice(v6, less(v6))

	out := make([]string, 0, len(v4)+len(v6))
	for _, p := range v4 {
		out = append(out, p.String())
	}
	for _, p := range v6 {
		out = append(out, p.String())
	}
	return out
}

// SortStrings orders prefixes lexically, for netsets assembled from
// provider text output where canonical parsing is not wanted.
func SortStrings(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Read collects prefixes from r into set, one per line, and returns how
// many non-empty lines were read.
func Read(r io.Reader, set map[string]bool) (int, error) {
	n := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		set[line] = true
		n++
	}
	return n, sc.Err()
}

// ReadFile collects prefixes from path into set.
func ReadFile(path string, set map[string]bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Read(f, set)
}

// Write writes prefixes one per line with a trailing newline.
func Write(w io.Writer, prefixes []string) error {
	bw := bufio.NewWriter(w)
	for _, p := range prefixes {
		if _, err := bw.WriteString(p + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes prefixes to path, replacing the file.
func WriteFile(path string, prefixes []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, prefixes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Merge unions the netset files at paths into one canonically sorted list.
// A missing input is reported and skipped so partial builds still merge.
func Merge(paths []string, log *slog.Logger) ([]string, error) {
	if log == nil {
		log = slog.Default()
	}
	set := make(map[string]bool)
	for _, path := range paths {
		n, err := ReadFile(path, set)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn("input netset not found, skipping", "file", path)
				continue
			}
			return nil, err
		}
		log.Info("read netset", "file", path, "prefixes", n)
	}
	return SortPrefixes(set, log), nil
}
