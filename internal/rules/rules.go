// Package rules builds Cloudflare filter expressions that block traffic
// from a list of ASNs.
package rules

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// MaxExpressionLength is Cloudflare's per-rule expression limit.
const MaxExpressionLength = 4096

const (
	exprPrefix = "(ip.geoip.asnum in {"
	exprSuffix = "})"
)

// Pack greedily fills filter expressions of the form
// (ip.geoip.asnum in {701 702 ...}) with the given ASNs, in order. When
// appending an ASN would push the expression past maxLen, the expression is
// closed and a new one starts. Input order is preserved, so callers control
// priority by sorting first. Duplicates are dropped.
func Pack(asns []int, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxExpressionLength
	}

	var (
		out     []string
		current []string
		width   int // rendered length of the current expression
	)
	base := len(exprPrefix) + len(exprSuffix)
	seen := make(map[int]bool, len(asns))

	flush := func() {
		if len(current) > 0 {
			out = append(out, exprPrefix+strings.Join(current, " ")+exprSuffix)
			current = current[:0]
			width = 0
		}
	}

	for _, asn := range asns {
		if seen[asn] {
			continue
		}
		seen[asn] = true

		tok := strconv.Itoa(asn)
		next := base + width + len(tok)
		if len(current) > 0 {
			next++ // separating space
		}
		if next > maxLen {
			flush()
			next = base + len(tok)
		}
		current = append(current, tok)
		width = next - base
	}
	flush()
	return out
}

// WriteExpressions writes one expression per line.
func WriteExpressions(w io.Writer, exprs []string) error {
	bw := bufio.NewWriter(w)
	for _, e := range exprs {
		if _, err := bw.WriteString(e + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadExpressions loads expressions from r, one per line, skipping blanks.
func ReadExpressions(r io.Reader) ([]string, error) {
	var exprs []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			exprs = append(exprs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return exprs, nil
}

// ReadExpressionsFile loads expressions from path.
func ReadExpressionsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadExpressions(f)
}
