package script

import (
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedPackages is the stdlib subset scripts may import. Nothing here
// touches the filesystem, network, environment or processes; those go
// through pow so every access is gated.
var allowedPackages = []string{
	"bytes/bytes",
	"encoding/base64/base64",
	"encoding/hex/hex",
	"encoding/json/json",
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"regexp/regexp",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/unicode",
	"unicode/utf8/utf8",
}

// blockedSymbols block without observing cancellation. pow.Sleep replaces them.
var blockedSymbols = map[string][]string{
	"time/time": {"Sleep", "After", "AfterFunc", "NewTicker", "NewTimer", "Tick"},
}

var stdSymbols = curate(stdlib.Symbols)

func curate(all interp.Exports) interp.Exports {
	out := make(interp.Exports, len(allowedPackages))
	for _, key := range allowedPackages {
		src, ok := all[key]
		if !ok {
			continue
		}
		pkg := make(map[string]reflect.Value, len(src))
		for name, v := range src {
			pkg[name] = v
		}
		for _, name := range blockedSymbols[key] {
			delete(pkg, name)
		}
		out[key] = pkg
	}
	return out
}
