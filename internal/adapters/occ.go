package adapters

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OCCSymbol is a parsed OSI option symbol, e.g. "SOFI250117P00030000".
type OCCSymbol struct {
	Root       string
	Expiration time.Time
	Type       OptionType
	Strike     float64
}

const occSuffixLen = 15 // YYMMDD + C/P + 8-digit strike

// ParseOCC parses an OCC/OSI option symbol. Padding spaces in the root are
// tolerated.
func ParseOCC(symbol string) (OCCSymbol, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) <= occSuffixLen {
		return OCCSymbol{}, fmt.Errorf("not an option symbol: %q", symbol)
	}
	root := strings.TrimSpace(s[:len(s)-occSuffixLen])
	suffix := s[len(s)-occSuffixLen:]
	if root == "" || len(root) > 6 {
		return OCCSymbol{}, fmt.Errorf("invalid option root in %q", symbol)
	}

	exp, err := time.Parse("060102", suffix[:6])
	if err != nil {
		return OCCSymbol{}, fmt.Errorf("invalid expiration in %q: %w", symbol, err)
	}

	var typ OptionType
	switch suffix[6] {
	case 'C':
		typ = Call
	case 'P':
		typ = Put
	default:
		return OCCSymbol{}, fmt.Errorf("invalid option type %q in %q", suffix[6], symbol)
	}

	milli, err := strconv.ParseInt(suffix[7:], 10, 64)
	if err != nil {
		return OCCSymbol{}, fmt.Errorf("invalid strike in %q: %w", symbol, err)
	}
	return OCCSymbol{Root: root, Expiration: exp, Type: typ, Strike: float64(milli) / 1000}, nil
}

// IsOption reports whether symbol parses as an OCC option symbol.
func IsOption(symbol string) bool {
	_, err := ParseOCC(symbol)
	return err == nil
}

// FormatOCC builds the unpadded OCC symbol.
func FormatOCC(root string, exp time.Time, typ OptionType, strike float64) string {
	t := "P"
	if typ == Call {
		t = "C"
	}
	milli := int64(math.Round(strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), exp.Format("060102"), t, milli)
}

// String returns the unpadded OCC form.
func (o OCCSymbol) String() string {
	return FormatOCC(o.Root, o.Expiration, o.Type, o.Strike)
}
