package ledger

import (
	"path"
	"strings"
)

var categoryByExt = map[string]string{
	".go":    "source",
	".ts":    "source",
	".tsx":   "source",
	".js":    "source",
	".jsx":   "source",
	".py":    "source",
	".rb":    "source",
	".rs":    "source",
	".java":  "source",
	".kt":    "source",
	".c":     "source",
	".h":     "source",
	".cc":    "source",
	".cpp":   "source",
	".cs":    "source",
	".sh":    "source",
	".sql":   "source",
	".md":    "docs",
	".rst":   "docs",
	".txt":   "docs",
	".html":  "markup",
	".css":   "markup",
	".scss":  "markup",
	".svg":   "markup",
	".json":  "config",
	".yaml":  "config",
	".yml":   "config",
	".toml":  "config",
	".ini":   "config",
	".env":   "config",
	".lock":  "config",
	".png":   "asset",
	".jpg":   "asset",
	".jpeg":  "asset",
	".gif":   "asset",
	".ico":   "asset",
	".woff":  "asset",
	".woff2": "asset",
}

// CategoryForKey derives the entity category from the key's suffix. Test
// files outrank their language extension so test towers color separately.
func CategoryForKey(key string) string {
	base := strings.ToLower(path.Base(key))
	if strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") {
		return "test"
	}
	if cat, ok := categoryByExt[path.Ext(base)]; ok {
		return cat
	}
	return "other"
}
